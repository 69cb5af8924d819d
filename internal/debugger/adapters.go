package debugger

import (
	"fmt"

	"github.com/debugserver/server/internal/apierr"
)

// Kind identifies which debugger protocol a launch request targets.
type Kind string

const (
	KindDebugpy    Kind = "debugpy"
	KindGDBServer  Kind = "gdbserver"
	KindLLDBServer Kind = "lldb-server"
)

// LaunchRequest is the tagged-variant request body accepted by all three
// adapters (§4.8, §9's "dynamic dispatch on adapters" design note).
type LaunchRequest struct {
	Kind    Kind
	Module  string   // debugpy only
	Script  string   // debugpy only
	Program string   // gdbserver / lldb-server
	Args    []string
}

// CommandSpec is the process the Supervisor should run to host the
// debugger session.
type CommandSpec struct {
	Argv []string
	Env  map[string]string
}

// LaunchDescriptor bundles the tunnel the debugger binds to and the
// command the Supervisor must run, the uniform return type all three
// adapters share.
type LaunchDescriptor struct {
	Tunnel  *Tunnel
	Command CommandSpec
}

// Launch dispatches a launch request to the adapter matching req.Kind and
// returns its LaunchDescriptor (§4.8, §9).
func (m *Manager) Launch(sessionID string, req LaunchRequest) (*LaunchDescriptor, error) {
	switch req.Kind {
	case KindDebugpy:
		return m.launchDebugpy(sessionID, req)
	case KindGDBServer:
		return m.launchGDBServer(sessionID, req)
	case KindLLDBServer:
		return m.launchLLDBServer(sessionID, req)
	default:
		return nil, fmt.Errorf("launch kind %q: %w", req.Kind, apierr.ErrInvalidLaunchRequest)
	}
}

// launchDebugpy builds: python3 -m debugpy --listen <host>:<port>
// --wait-for-client [--module <module> | <script>] [args...] (§4.8.1).
// Exactly one of module/script must be set.
func (m *Manager) launchDebugpy(sessionID string, req LaunchRequest) (*LaunchDescriptor, error) {
	if (req.Module == "") == (req.Script == "") {
		return nil, fmt.Errorf("debugpy requires exactly one of module or script: %w", apierr.ErrInvalidLaunchRequest)
	}

	tunnel, err := m.Open(sessionID, string(KindDebugpy))
	if err != nil {
		return nil, err
	}

	argv := []string{"python3", "-m", "debugpy", "--listen", fmt.Sprintf("%s:%d", tunnel.Host, tunnel.Port), "--wait-for-client"}
	if req.Module != "" {
		argv = append(argv, "--module", req.Module)
	} else {
		argv = append(argv, req.Script)
	}
	argv = append(argv, req.Args...)

	return &LaunchDescriptor{
		Tunnel:  tunnel,
		Command: CommandSpec{Argv: argv, Env: tunnelEnv(tunnel)},
	}, nil
}

// launchGDBServer builds: gdbserver --once <host>:<port> <program>
// [args...] (§4.8.1).
func (m *Manager) launchGDBServer(sessionID string, req LaunchRequest) (*LaunchDescriptor, error) {
	if req.Program == "" {
		return nil, fmt.Errorf("gdbserver requires a program: %w", apierr.ErrInvalidLaunchRequest)
	}
	tunnel, err := m.Open(sessionID, string(KindGDBServer))
	if err != nil {
		return nil, err
	}

	argv := append([]string{"gdbserver", "--once", fmt.Sprintf("%s:%d", tunnel.Host, tunnel.Port), req.Program}, req.Args...)
	return &LaunchDescriptor{
		Tunnel:  tunnel,
		Command: CommandSpec{Argv: argv, Env: tunnelEnv(tunnel)},
	}, nil
}

// launchLLDBServer builds: lldb-server gdbserver <host>:<port> --
// <program> [args...]; lldb-server's "gdbserver" subcommand speaks the gdb
// remote protocol, which is why it shares the native-debugger tunnel
// contract with launchGDBServer (§4.8.1).
func (m *Manager) launchLLDBServer(sessionID string, req LaunchRequest) (*LaunchDescriptor, error) {
	if req.Program == "" {
		return nil, fmt.Errorf("lldb-server requires a program: %w", apierr.ErrInvalidLaunchRequest)
	}
	tunnel, err := m.Open(sessionID, string(KindLLDBServer))
	if err != nil {
		return nil, err
	}

	argv := []string{"lldb-server", "gdbserver", fmt.Sprintf("%s:%d", tunnel.Host, tunnel.Port), "--", req.Program}
	argv = append(argv, req.Args...)
	return &LaunchDescriptor{
		Tunnel:  tunnel,
		Command: CommandSpec{Argv: argv, Env: tunnelEnv(tunnel)},
	}, nil
}

func tunnelEnv(t *Tunnel) map[string]string {
	return map[string]string{
		"DEBUG_SESSION_TOKEN": t.Token,
		"DEBUG_SESSION_URI":   t.URI,
	}
}
