package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/loykin/barnr"
)

func onlineMsg(st barnr.Status) string {
	if !st.Running {
		return "OFFLINE"
	}
	host := ""
	if st.Hostname != "" {
		host = st.Hostname + " "
	}
	if len(st.TLSPorts) > 0 {
		return fmt.Sprintf("ONLINE @ %stelnet port %d & TLS port %d", host, st.Ports[0], st.TLSPorts[0])
	}
	return fmt.Sprintf("ONLINE @ %sport %d", host, st.Ports[0])
}

func bridgeMsg(b barnr.BridgeStatus) string {
	if !b.Running {
		return "OFFLINE"
	}
	from := fmt.Sprintf("WS %d", b.ListenPort)
	if b.Secure {
		from = fmt.Sprintf("wss://%s:%d", b.ListenHostname, b.ListenPort)
	}
	to := fmt.Sprintf("telnet %d", b.TargetPort)
	if b.TargetTLSHostname != "" {
		to = fmt.Sprintf("%s:%d", b.TargetTLSHostname, b.TargetPort)
	}
	return fmt.Sprintf("ONLINE @ %s -> %s", from, to)
}

// formatUptime renders d as e.g. 1d02h03m04s, dropping leading zero units.
func formatUptime(d time.Duration) string {
	sec := int64(d / time.Second)
	days := sec / 86400
	hours := sec % 86400 / 3600
	minutes := sec % 3600 / 60
	seconds := sec % 60
	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if days > 0 || hours > 0 {
		fmt.Fprintf(&b, "%02dh", hours)
	}
	if days > 0 || hours > 0 || minutes > 0 {
		fmt.Fprintf(&b, "%02dm", minutes)
	}
	fmt.Fprintf(&b, "%02ds", seconds)
	return b.String()
}

func formatMemory(rss uint64) string {
	return fmt.Sprintf("%.2f MB", float64(rss)/1024/1024)
}

func formatTime(t time.Time, never string) string {
	if t.IsZero() {
		return never
	}
	return t.Local().Format(time.RFC1123)
}

func joinPorts(ports []int) string {
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, ",")
}

func printList(out io.Writer, sts []barnr.Status) {
	longest := 0
	for _, st := range sts {
		longest = max(longest, len(st.Name))
	}
	_, _ = fmt.Fprintln(out)
	for _, st := range sts {
		_, _ = fmt.Fprintf(out, "%*s :: %s\n", longest, st.Name, onlineMsg(st))
	}
	_, _ = fmt.Fprintln(out)
}

func printInfo(out io.Writer, st barnr.Status) {
	ports := joinPorts(st.Ports)
	if st.DefaultPort {
		ports = "(default)"
	}
	tls := "(none)"
	if len(st.TLSPorts) > 0 {
		tls = joinPorts(st.TLSPorts)
	}
	pid := "(none)"
	if st.Running {
		pid = fmt.Sprint(st.PID)
	}
	_, _ = fmt.Fprintf(out, "\n%s %s\n", st.Name, onlineMsg(st))
	_, _ = fmt.Fprintf(out, "   Disabled: %t\n", st.Disabled)
	_, _ = fmt.Fprintf(out, "      Ports: %s\n", ports)
	_, _ = fmt.Fprintf(out, "  TLS Ports: %s\n", tls)
	_, _ = fmt.Fprintf(out, "        PID: %s\n", pid)
	if st.Running {
		_, _ = fmt.Fprintf(out, "     Uptime: %s\n", formatUptime(st.Uptime))
		if st.Usage != nil {
			_, _ = fmt.Fprintf(out, "     Memory: %s\n", formatMemory(st.Usage.RSSBytes))
			_, _ = fmt.Fprintf(out, "        CPU: %.2f%%\n", st.Usage.CPUPercent)
		}
	}
	if st.Bridge.Configured {
		bpid := "(none)"
		if st.Bridge.Running {
			bpid = fmt.Sprint(st.Bridge.PID)
		}
		_, _ = fmt.Fprintf(out, "     Bridge: %s\n", bridgeMsg(st.Bridge))
		_, _ = fmt.Fprintf(out, " Bridge PID: %s\n", bpid)
	}
	_, _ = fmt.Fprintf(out, " Last Start: %s\n", formatTime(st.LastStartAt, "(never)"))
	_, _ = fmt.Fprintf(out, "Last Backup: %s\n", formatTime(st.LastBackupAt, "(never)"))
}

func printBridges(out io.Writer, bs []barnr.BridgeStatus) {
	if len(bs) == 0 {
		_, _ = fmt.Fprint(out, "\n No bridges configured\n\n")
		return
	}
	longest := 0
	for _, b := range bs {
		longest = max(longest, len(b.Name))
	}
	_, _ = fmt.Fprintln(out)
	for _, b := range bs {
		_, _ = fmt.Fprintf(out, "%*s :: %s\n", longest, b.Name, bridgeMsg(b))
	}
	_, _ = fmt.Fprintln(out)
}

func printScan(out io.Writer, what string, procs []barnr.ProcInfo) {
	if len(procs) == 0 {
		_, _ = fmt.Fprintf(out, "\n No %s processes found\n\n", what)
		return
	}
	plural := ""
	if len(procs) > 1 {
		plural = "es"
	}
	_, _ = fmt.Fprintf(out, "\nFound %s process%s:\n", what, plural)
	for i, p := range procs {
		_, _ = fmt.Fprintf(out, "  %d. %s [%d] %s\n", i+1, p.Name, p.PID, p.Cmdline)
	}
	_, _ = fmt.Fprintln(out)
}

func printResults(out io.Writer, verb string, results []barnr.Result) {
	for _, r := range results {
		if r.Err != nil {
			_, _ = fmt.Fprintf(out, "ERROR: %s: %v\n", r.Name, r.Err)
			continue
		}
		if r.PID > 0 {
			_, _ = fmt.Fprintf(out, "%s %s [%d]\n", verb, r.Name, r.PID)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s %s\n", verb, r.Name)
	}
}

func printScheduler(out io.Writer, st barnr.SchedulerState) {
	_, _ = fmt.Fprintf(out, "Global tick count: %d\n", st.GlobalTickCount)
	for _, name := range sortedKeys(st.PerInstanceTickCount) {
		_, _ = fmt.Fprintf(out, "  %s: %d\n", name, st.PerInstanceTickCount[name])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
