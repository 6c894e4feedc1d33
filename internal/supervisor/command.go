package supervisor

import (
	"strconv"

	"github.com/loykin/barnr/internal/record"
)

// ServerCommand builds the argv of a server launch:
//
//	<binary> <flags...> <input> <output> <port flags...>
//
// overridePort > 0 replaces the configured plain ports.
func ServerCommand(binary string, a record.LaunchArgs, input, output string, overridePort int) []string {
	argv := []string{binary}
	flag := func(name, v string) {
		if v != "" {
			argv = append(argv, name, v)
		}
	}
	if a.EmergencyMode {
		argv = append(argv, "--emergency")
	}
	flag("--start-script", a.StartScript)
	flag("--start-line", a.StartLine)
	flag("--log", a.LogFile)
	if a.ClearLastMove {
		argv = append(argv, "--clear-move")
	}
	flag("--waif-type", a.WaifType)
	if a.Outbound != nil {
		if *a.Outbound {
			argv = append(argv, "--outbound")
		} else {
			argv = append(argv, "--no-outbound")
		}
	}
	flag("--ipv4", a.IPv4)
	flag("--ipv6", a.IPv6)
	flag("--tls-cert", a.TLSCert)
	flag("--tls-key", a.TLSKey)
	flag("--file-dir", a.FileDir)
	flag("--exec-dir", a.ExecDir)
	flag("-f", a.ScriptFile)

	argv = append(argv, input, output)

	ports := a.Ports
	if overridePort > 0 {
		ports = []int{overridePort}
	}
	for _, p := range ports {
		argv = append(argv, "-p", strconv.Itoa(p))
	}
	for _, p := range a.TLSPorts {
		argv = append(argv, "-t", strconv.Itoa(p))
	}
	return argv
}

// BridgeCommand builds the argv of a bridge launch.
func BridgeCommand(binary string, args []string, b record.BridgeConfig) []string {
	argv := append([]string{binary}, args...)
	argv = append(argv,
		"--connect",
		"--websocket", strconv.Itoa(b.ListenPort),
		"--telnet", strconv.Itoa(b.TargetPort),
	)
	if b.ListenHostname != "" {
		argv = append(argv, "--websocket-host", b.ListenHostname)
	}
	if b.TLSCert != "" {
		argv = append(argv, "--websocket-tls-cert", b.TLSCert)
	}
	if b.TLSKey != "" {
		argv = append(argv, "--websocket-tls-key", b.TLSKey)
	}
	if b.TargetTLSHostname != "" {
		argv = append(argv, "--telnet-tls-host", b.TargetTLSHostname)
	}
	return argv
}
