package sandbox

import "time"

// Default configuration values.
const (
	DefaultImage                = "ubuntu:22.04"
	DefaultWorkDir              = "/workspace"
	DefaultMemoryMB             = 512
	DefaultCPULimit             = 0.5
	DefaultCPUShares            = 512
	DefaultPidsLimit            = 256
	DefaultShell                = "/bin/bash"
	DefaultExecTimeout          = 30 * time.Second
	DefaultSetupTimeout         = 10 * time.Minute
	DefaultMaxSandboxes         = 50
	DefaultMaxConcurrentCreates = 4
)

// IdleBasis selects which timestamp the idle sweep measures from.
type IdleBasis string

const (
	IdleSinceActivity IdleBasis = "activity"
	IdleSinceCreated  IdleBasis = "created"
)

// Config holds sandbox creation parameters.
type Config struct {
	Image      string
	WorkDir    string
	MemoryMB   int
	CPULimit   float64 // CPUs, converted to NanoCPUs
	CPUShares  int64
	PidsLimit  int64
	NetworkOff bool

	// Shell is started for interactive terminals. Falls back to sh when
	// missing from the image.
	Shell string

	// SetupCommand runs once after the container starts.
	SetupCommand string
	SetupTimeout time.Duration

	// ExecTimeout bounds every one-shot command.
	ExecTimeout time.Duration

	MaxSandboxes         int
	MaxConcurrentCreates int
	IdleBasis            IdleBasis
}

// DefaultConfig returns sensible defaults for a room sandbox.
func DefaultConfig() Config {
	return Config{
		Image:                DefaultImage,
		WorkDir:              DefaultWorkDir,
		MemoryMB:             DefaultMemoryMB,
		CPULimit:             DefaultCPULimit,
		CPUShares:            DefaultCPUShares,
		PidsLimit:            DefaultPidsLimit,
		NetworkOff:           true,
		Shell:                DefaultShell,
		SetupTimeout:         DefaultSetupTimeout,
		ExecTimeout:          DefaultExecTimeout,
		MaxSandboxes:         DefaultMaxSandboxes,
		MaxConcurrentCreates: DefaultMaxConcurrentCreates,
		IdleBasis:            IdleSinceActivity,
	}
}

// Validate applies defaults to unset fields.
func (c *Config) Validate() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.CPULimit <= 0 {
		c.CPULimit = DefaultCPULimit
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = DefaultPidsLimit
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = DefaultSetupTimeout
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	if c.MaxSandboxes <= 0 {
		c.MaxSandboxes = DefaultMaxSandboxes
	}
	if c.MaxConcurrentCreates <= 0 {
		c.MaxConcurrentCreates = DefaultMaxConcurrentCreates
	}
	if c.IdleBasis != IdleSinceCreated {
		c.IdleBasis = IdleSinceActivity
	}
}

// ShellCommand returns the command used for interactive terminals.
func (c Config) ShellCommand() []string {
	return []string{"/bin/sh", "-c", `if [ -x "$0" ]; then exec "$0" -l; else exec /bin/sh -l; fi`, c.Shell}
}
