package record

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrNotFound    = errors.New("instance not found")
	ErrExists      = errors.New("instance already exists")
	ErrInvalidName = errors.New("invalid instance name")
	ErrDisabled    = errors.New("instance is disabled")
)

// ReservedName addresses every instance at once on the command line and can
// never name a single one.
const ReservedName = "all"

var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether name can be used as an instance directory.
func ValidName(name string) bool {
	if name == ReservedName || name == "." || strings.Contains(name, "..") {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return nameRe.MatchString(name)
}

// Proc is the claim that an OS process belongs to a record. A nil PID means
// the process is not tracked as running.
type Proc struct {
	PID           *int     `json:"pid"`
	PIDStartedAt  int64    `json:"pid_started_at"`
	LaunchCommand []string `json:"launch_command,omitempty"`
}

// Tracked reports whether a PID is recorded.
func (p Proc) Tracked() bool { return p.PID != nil }

// Set records pid as the running process launched with argv.
func (p *Proc) Set(pid int, startedAt int64, argv []string) {
	v := pid
	p.PID = &v
	p.PIDStartedAt = startedAt
	if argv != nil {
		p.LaunchCommand = append([]string(nil), argv...)
	}
}

// Clear drops the PID claim. The launch command is kept for recovery.
func (p *Proc) Clear() {
	p.PID = nil
	p.PIDStartedAt = 0
}

// LaunchArgs are the server flags stored with a record.
type LaunchArgs struct {
	EmergencyMode bool   `json:"emergency_mode"`
	StartScript   string `json:"start_script"`
	StartLine     string `json:"start_line"`
	LogFile       string `json:"log_file"`
	ClearLastMove bool   `json:"clear_last_move"`
	WaifType      string `json:"waif_type"`
	Outbound      *bool  `json:"outbound"`
	IPv4          string `json:"ipv4"`
	IPv6          string `json:"ipv6"`
	TLSCert       string `json:"tls_cert"`
	TLSKey        string `json:"tls_key"`
	FileDir       string `json:"file_dir"`
	ExecDir       string `json:"exec_dir"`
	Ports         []int  `json:"ports"`
	TLSPorts      []int  `json:"tls_ports"`
	ScriptFile    string `json:"script_file"`
}

// BackupConfig holds per-instance backup settings.
//
// IntervalHours nil means the instance relies on the global sweep, 0 means it is
// never backed up on its own schedule, and n > 0 means every n scheduler ticks.
type BackupConfig struct {
	IntervalHours    *int   `json:"interval_hours"`
	LastBackupAt     int64  `json:"last_backup_at"`
	PostBackupScript string `json:"post_backup_script"`
}

// GlobalOnly reports whether the instance has no interval of its own.
func (b BackupConfig) GlobalOnly() bool { return b.IntervalHours == nil }

// Interval returns the custom interval, or 0 when none is active.
func (b BackupConfig) Interval() int {
	if b.IntervalHours == nil || *b.IntervalHours < 0 {
		return 0
	}
	return *b.IntervalHours
}

// BridgeConfig is the optional websocket to telnet bridge of an instance.
type BridgeConfig struct {
	Proc
	ListenPort        int    `json:"listen_port"`
	ListenHostname    string `json:"listen_hostname"`
	TargetPort        int    `json:"target_port"`
	TargetTLSHostname string `json:"target_tls_hostname"`
	TLSCert           string `json:"tls_cert"`
	TLSKey            string `json:"tls_key"`
}

// Configured reports whether the bridge has both ports and can be launched.
func (b BridgeConfig) Configured() bool { return b.ListenPort > 0 && b.TargetPort > 0 }

// Record is the persisted description of one server instance.
type Record struct {
	Name     string `json:"name"`
	Disabled bool   `json:"disabled"`
	Proc
	LaunchArgs  LaunchArgs   `json:"launch_args"`
	Backup      BackupConfig `json:"backup"`
	Bridge      BridgeConfig `json:"bridge"`
	LastStartAt int64        `json:"last_start_at"`
}

// New returns the default record for name.
func New(name string) Record {
	return Record{
		Name: name,
		LaunchArgs: LaunchArgs{
			Ports:    []int{},
			TLSPorts: []int{},
		},
	}
}

// Clone returns a deep copy so callers never share slices or pointers with the store.
func (r Record) Clone() Record {
	out := r
	out.Proc = r.Proc.clone()
	out.Bridge.Proc = r.Bridge.Proc.clone()
	out.LaunchArgs.Ports = append([]int(nil), r.LaunchArgs.Ports...)
	out.LaunchArgs.TLSPorts = append([]int(nil), r.LaunchArgs.TLSPorts...)
	if r.LaunchArgs.Outbound != nil {
		out.LaunchArgs.Outbound = BoolPtr(*r.LaunchArgs.Outbound)
	}
	if r.Backup.IntervalHours != nil {
		out.Backup.IntervalHours = IntPtr(*r.Backup.IntervalHours)
	}
	return out
}

func (p Proc) clone() Proc {
	out := p
	if p.PID != nil {
		out.PID = IntPtr(*p.PID)
	}
	if p.LaunchCommand != nil {
		out.LaunchCommand = append([]string(nil), p.LaunchCommand...)
	}
	return out
}

func IntPtr(v int) *int    { return &v }
func BoolPtr(v bool) *bool { return &v }
