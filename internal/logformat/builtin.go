package logformat

import "github.com/tinytelemetry/logtt/internal/drain"

// Plain and Syslog are the formats used when none is configured for file
// and network sources respectively.
const (
	FormatPlain  = "Plain"
	FormatSyslog = "Syslog"
)

func withBuiltinMasks(extra ...drain.Mask) []drain.Mask {
	masks := make([]drain.Mask, 0, len(extra)+len(drain.BuiltinMasks))
	masks = append(masks, extra...)
	return append(masks, drain.BuiltinMasks...)
}

func rawMask(name, pattern string) drain.Mask {
	m, err := drain.NewRawMask(name, pattern)
	if err != nil {
		panic(err)
	}
	return m
}

var pathMask = rawMask("PATH", `(/[\w-]+)+`)

// builtinDefinitions are the formats of the public loghub corpora plus
// syslog and a single-field plain format.
var builtinDefinitions = []Definition{
	{
		Name:       "HDFS",
		LogFormat:  `<Date> <Time> <Pid> <Level> <Component>: <Content>`,
		Delimiters: []string{":"},
		masks:      withBuiltinMasks(rawMask("BLK", `blk_-?\d+`)),
	},
	{
		Name:       "Hadoop",
		LogFormat:  `<Date> <Time> <Level> \[<Process>\] <Component>: <Content>`,
		Delimiters: []string{"=", ":", "_", "(", ")"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:       "Spark",
		LogFormat:  `<Date> <Time> <Level> <Component>: <Content>`,
		Delimiters: []string{":"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:       "Zookeeper",
		LogFormat:  `<Date> <Time> - <Level>  \[<Node>:<Component>@<Id>\] - <Content>`,
		Delimiters: []string{"=", ":"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:      "BGL",
		LogFormat: `<Label> <Timestamp> <Date> <Node> <Time> <NodeRepeat> <Type> <Component> <Level> <Content>`,
		masks: withBuiltinMasks(
			rawMask("CORE", `core\.\d+`),
			rawMask("ADDR", `\d+:[A-Fa-f\d]{8,}`),
		),
	},
	{
		Name:       "HPC",
		LogFormat:  `<LogId> <Node> <Component> <State> <Time> <Flag> <Content>`,
		Delimiters: []string{"=", ":", "-"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:       "Thunderbird",
		LogFormat:  `<Label> <Timestamp> <Date> <User> <Month> <Day> <Time> <Location> <Component>(\[<PID>\])?: <Content>`,
		Delimiters: []string{"=", ":"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:       "Windows",
		LogFormat:  `<Date> <Time>, <Level> <Component> <Content>`,
		Delimiters: []string{"=", ":", "[", "]"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:       "Linux",
		LogFormat:  `<Month> <Date> <Time> <Level> <Component>(\[<PID>\])?: <Content>`,
		Delimiters: []string{"=", ":"},
		masks:      withBuiltinMasks(),
	},
	{
		Name:       "Android",
		LogFormat:  `<Date> <Time>  <Pid>  <Tid> <Level> <Component>: <Content>`,
		Delimiters: []string{"=", ":"},
		masks:      withBuiltinMasks(pathMask),
	},
	{
		Name:       "HealthApp",
		LogFormat:  `<Time>\|<Component>\|<Pid>\|<Content>`,
		Delimiters: []string{"=", ":", "|"},
		masks:      withBuiltinMasks(rawMask("SEQ", `\d+##\d+##\d+##\d+##\d+##\d+`)),
	},
	{
		Name:      "Apache",
		LogFormat: `\[<Time>\] \[<Level>\] <Content>`,
		masks:     withBuiltinMasks(),
	},
	{
		Name:      "Proxifier",
		LogFormat: `\[<Time>\] <Program> - <Content>`,
		masks:     withBuiltinMasks(rawMask("DURATION", `<\d+\ssec`)),
	},
	{
		Name:      "OpenSSH",
		LogFormat: `<Date> <Day> <Time> <Component> sshd\[<Pid>\]: <Content>`,
		masks:     withBuiltinMasks(),
	},
	{
		Name:      "OpenStack",
		LogFormat: `<Logrecord> <Date> <Time> <Pid> <Level> <Component> \[<ADDR>\] <Content>`,
		masks: withBuiltinMasks(
			rawMask("INST", `\[instance:(.*?)\]`),
			pathMask,
		),
	},
	{
		Name:      "Mac",
		LogFormat: `<Month>  <Date> <Time> <User> <Component>\[<PID>\]( \(<Address>\))?: <Content>`,
		masks:     withBuiltinMasks(),
	},
	{
		Name:      FormatSyslog,
		LogFormat: `<Timestamp> <Host> <App>\[<Pid>\]: <Content>`,
		masks:     withBuiltinMasks(),
		build:     func() (Parser, error) { return SyslogParser{}, nil },
	},
	{
		Name:      FormatPlain,
		LogFormat: `<Content>`,
	},
}
