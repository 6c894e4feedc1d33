package supervisor

import (
	"context"
	"time"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/record"
)

// Status is a point-in-time view of one instance's server.
type Status struct {
	Name         string          `json:"name"`
	Disabled     bool            `json:"disabled"`
	Running      bool            `json:"running"`
	PID          int             `json:"pid,omitempty"`
	Hostname     string          `json:"hostname,omitempty"`
	Ports        []int           `json:"ports"`
	TLSPorts     []int           `json:"tls_ports"`
	DefaultPort  bool            `json:"default_port"`
	LastStartAt  time.Time       `json:"last_start_at,omitzero"`
	LastBackupAt time.Time       `json:"last_backup_at,omitzero"`
	Uptime       time.Duration   `json:"uptime,omitempty"`
	Usage        *detector.Usage `json:"usage,omitempty"`
	Bridge       BridgeStatus    `json:"bridge"`
}

// BridgeStatus is a point-in-time view of one instance's bridge.
type BridgeStatus struct {
	Name              string        `json:"name"`
	Configured        bool          `json:"configured"`
	Running           bool          `json:"running"`
	PID               int           `json:"pid,omitempty"`
	ListenPort        int           `json:"listen_port,omitempty"`
	ListenHostname    string        `json:"listen_hostname,omitempty"`
	TargetPort        int           `json:"target_port,omitempty"`
	TargetTLSHostname string        `json:"target_tls_hostname,omitempty"`
	Secure            bool          `json:"secure"`
	Uptime            time.Duration `json:"uptime,omitempty"`
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (c *core) uptime(p record.Proc, fallback int64) time.Duration {
	since := p.PIDStartedAt
	if since <= 0 {
		since = fallback
	}
	if since <= 0 {
		return 0
	}
	return c.now().Sub(time.UnixMilli(since)).Truncate(time.Second)
}

// Status probes name and reports its server state.
func (s *Instances) Status(ctx context.Context, name string) (Status, error) {
	rec, alive, err := s.probe(ctx, name)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Name:         rec.Name,
		Disabled:     rec.Disabled,
		Running:      alive,
		Hostname:     rec.LaunchArgs.IPv4,
		Ports:        append([]int{}, rec.LaunchArgs.Ports...),
		TLSPorts:     append([]int{}, rec.LaunchArgs.TLSPorts...),
		LastStartAt:  millis(rec.LastStartAt),
		LastBackupAt: millis(rec.Backup.LastBackupAt),
		Bridge:       bridgeStatus(rec, s.alive(ctx, rec.Bridge.Proc)),
	}
	if len(st.Ports) == 0 {
		st.Ports = []int{s.defaultPort}
		st.DefaultPort = true
	}
	if alive {
		st.PID = *rec.PID
		st.Uptime = s.uptime(rec.Proc, rec.LastStartAt)
		if u, ok := s.Table.(detector.UsageReader); ok {
			if usage, err := u.Usage(ctx, st.PID); err == nil {
				st.Usage = &usage
			}
		}
	}
	return st, nil
}

// Statuses reports every instance in name order.
func (s *Instances) Statuses(ctx context.Context) ([]Status, error) {
	recs, err := s.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(recs))
	for _, r := range recs {
		st, err := s.Status(ctx, r.Name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func bridgeStatus(rec record.Record, alive bool) BridgeStatus {
	b := rec.Bridge
	st := BridgeStatus{
		Name:              rec.Name,
		Configured:        b.Configured(),
		Running:           alive,
		ListenPort:        b.ListenPort,
		ListenHostname:    b.ListenHostname,
		TargetPort:        b.TargetPort,
		TargetTLSHostname: b.TargetTLSHostname,
		Secure:            b.TLSCert != "",
	}
	if alive {
		st.PID = *b.PID
	}
	return st
}

// Status probes the bridge of name.
func (b *Bridges) Status(ctx context.Context, name string) (BridgeStatus, error) {
	rec, alive, err := b.probe(ctx, name)
	if err != nil {
		return BridgeStatus{}, err
	}
	st := bridgeStatus(rec, alive)
	if alive {
		st.Uptime = b.uptime(rec.Bridge.Proc, 0)
	}
	return st, nil
}

// List reports the bridge of every instance that has one configured or running.
func (b *Bridges) List(ctx context.Context) ([]BridgeStatus, error) {
	recs, err := b.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []BridgeStatus
	for _, r := range recs {
		if !r.Bridge.Configured() && !r.Bridge.Tracked() {
			continue
		}
		st, err := b.Status(ctx, r.Name)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
