package document

import (
	"fmt"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

// Reserved command names. Any other command name must be a declared channel.
const (
	CmdConstruct  = "construct"
	CmdInvalidate = "invalidate"
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdWebGet     = "web_get"
	CmdWebPut     = "web_put"
	CmdDeliver    = "deliver"
	CmdRestore    = "restore"
	CmdDeploy     = "deploy"
)

// Principal identifies who issued a command.
type Principal struct {
	Agent     string `json:"agent"`
	Authority string `json:"authority"`
}

// System is the principal used for self-addressed work: cron firings,
// state transitions and timeouts.
var System = Principal{Agent: "system", Authority: "system"}

// IsZero reports whether p is the empty principal.
func (p Principal) IsZero() bool {
	return p.Agent == "" && p.Authority == ""
}

func (p Principal) String() string {
	return p.Agent + "@" + p.Authority
}

// Value returns p as a JSON object.
func (p Principal) Value() value.Object {
	return value.Obj(value.P("agent", value.String(p.Agent)), value.P("authority", value.String(p.Authority)))
}

// Go returns p in the shape policy predicates see.
func (p Principal) Go() map[string]any {
	return map[string]any{"agent": p.Agent, "authority": p.Authority}
}

// PrincipalOf reads a principal from a JSON object.
func PrincipalOf(obj value.Object) Principal {
	return Principal{Agent: obj.Str("agent"), Authority: obj.Str("authority")}
}

// Command is the envelope every client operation travels in.
type Command struct {
	Command    string
	Timestamp  int64 // unix milliseconds
	Who        Principal
	Arg        value.Value // nil when absent
	Entropy    int64       // seed for construct; mixed into the next entropy elsewhere
	Key        string
	Origin     string
	IP         string
	Connection string
}

// Value encodes the command as a JSON object. Absent optional members are
// omitted so the encoding is stable.
func (c Command) Value() value.Object {
	obj := value.Obj(
		value.P("command", value.String(c.Command)),
		value.P("timestamp", value.Int(c.Timestamp)),
		value.P("who", c.Who.Value()),
	)
	if c.Arg != nil {
		obj["arg"] = value.Clone(c.Arg)
	}
	if c.Entropy != 0 {
		obj["entropy"] = value.Int(c.Entropy)
	}
	for k, v := range map[string]string{"key": c.Key, "origin": c.Origin, "ip": c.IP, "connection": c.Connection} {
		if v != "" {
			obj[k] = value.String(v)
		}
	}
	return obj
}

// CommandOf decodes a command envelope.
func CommandOf(obj value.Object) (Command, error) {
	name := obj.Str("command")
	if name == "" {
		return Command{}, fault.New(fault.InvalidCommand, "command envelope has no command")
	}
	c := Command{
		Command:    name,
		Timestamp:  obj.Int("timestamp"),
		Who:        PrincipalOf(obj.Obj("who")),
		Entropy:    obj.Int("entropy"),
		Key:        obj.Str("key"),
		Origin:     obj.Str("origin"),
		IP:         obj.Str("ip"),
		Connection: obj.Str("connection"),
	}
	if arg, ok := obj["arg"]; ok {
		if _, null := arg.(value.Null); !null {
			c.Arg = value.Clone(arg)
		}
	}
	return c, nil
}

// ParseCommand decodes a JSON command envelope.
func ParseCommand(data []byte) (Command, error) {
	obj, err := value.DecodeObject(data)
	if err != nil {
		return Command{}, fault.Wrap(fault.InvalidCommand, err, "decode command")
	}
	return CommandOf(obj)
}

func (c Command) String() string {
	return fmt.Sprintf("%s@%d by %s", c.Command, c.Timestamp, c.Who)
}

// argObject returns the argument as an object, or an empty object.
func (c Command) argObject() value.Object {
	if obj, ok := c.Arg.(value.Object); ok {
		return obj
	}
	return value.Object{}
}
