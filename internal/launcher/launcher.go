// Package launcher spawns and tracks the external game server processes
// backing rooms.
//
// The only contract with a spawned process is its argument list and that it
// will dial the lobby back and send an end_game message once the match is
// over; stdout/stderr are not interpreted.
package launcher

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/parlorhq/parlor/internal/core/data"
)

var (
	ErrPortAllocationFailed = errors.New("failed to allocate a port for the game server")
	ErrProcessSpawnFailed   = errors.New("failed to start the game server process")
)

type handle struct {
	cmd  *exec.Cmd
	port int
}

// Launcher starts game server processes on ephemeral ports and keeps the
// process handle for each room until the match ends or is aborted.
type Launcher struct {
	logger    *logrus.Logger
	gamesDir  string
	lobbyIP   string
	lobbyPort int

	mu      sync.Mutex
	handles map[uint64]*handle
}

func New(logger *logrus.Logger, gamesDir, lobbyIP string, lobbyPort int) *Launcher {
	return &Launcher{
		logger:    logger,
		gamesDir:  gamesDir,
		lobbyIP:   lobbyIP,
		lobbyPort: lobbyPort,
		handles:   make(map[uint64]*handle),
	}
}

// Launch allocates an ephemeral port, starts the game server for room with
// the standard positional contract and tracks its handle keyed by room id.
// The returned port is the one the game server was told to bind.
func (l *Launcher) Launch(room *data.Room, game *data.Game) (int, error) {
	port, err := allocatePort()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPortAllocationFailed, err)
	}

	packageDir := filepath.Join(l.gamesDir, game.Path)
	exePath := filepath.Join(packageDir, game.ServerExe)

	args := []string{
		"--port", strconv.Itoa(port),
		"--lobby_ip", l.lobbyIP,
		"--lobby_port", strconv.Itoa(l.lobbyPort),
		"--room_id", strconv.FormatUint(room.ID, 10),
		"--players", strconv.Itoa(len(room.Members)),
	}
	args = append(args, strings.Fields(game.ServerArgs)...)

	cmd := buildCommand(exePath, args)
	cmd.Dir = packageDir

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProcessSpawnFailed, err)
	}

	l.mu.Lock()
	// A stale handle here means a previous match for this room was never
	// cleaned up; terminate it rather than leaking the process.
	if old, ok := l.handles[room.ID]; ok {
		terminate(old)
	}
	l.handles[room.ID] = &handle{cmd: cmd, port: port}
	l.mu.Unlock()

	l.logger.Infof("launched game server for room %d: %s (pid %d, port %d)",
		room.ID, game.GameID, cmd.Process.Pid, port)

	// Reap the process so it doesn't linger as a zombie. The handle itself
	// is only released by the end_game callback or an abort.
	go func() {
		err := cmd.Wait()
		l.logger.Infof("game server for room %d exited: %v", room.ID, err)
	}()

	return port, nil
}

// Release terminates the process for roomID if one is still tracked and
// drops the handle. Safe to call for rooms with no tracked process.
func (l *Launcher) Release(roomID uint64) {
	l.mu.Lock()
	h, ok := l.handles[roomID]
	delete(l.handles, roomID)
	l.mu.Unlock()

	if ok {
		terminate(h)
	}
}

// Port returns the port the game server for roomID was launched on, or
// false if no process is tracked for the room.
func (l *Launcher) Port(roomID uint64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[roomID]
	if !ok {
		return 0, false
	}
	return h.port, true
}

// terminate sends a best-effort termination signal without waiting for the
// process to exit.
func terminate(h *handle) {
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
}

// allocatePort asks the OS for an unused ephemeral port by binding port 0
// and reading back the assignment.
func allocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err := listener.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// buildCommand runs python scripts through the interpreter and anything
// else directly; game packages ship either kind of server executable.
func buildCommand(exePath string, args []string) *exec.Cmd {
	if strings.HasSuffix(exePath, ".py") {
		return exec.Command("python3", append([]string{exePath}, args...)...)
	}
	return exec.Command(exePath, args...)
}
