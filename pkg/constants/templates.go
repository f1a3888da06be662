package constants

// Template names registered with the templator engine.
const (
	TemplateCmdline = "cmdline"
)
