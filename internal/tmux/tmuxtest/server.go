// Package tmuxtest provides an in-memory tmux server that satisfies tmux.Runner.
package tmuxtest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

// Session is the fake server's view of one tmux session.
type Session struct {
	Name    string
	Dir     string
	Command string
	Title   string
	PaneID  string
	Cols    int
	Rows    int
	Env     map[string]string
	Input   []string
	Output  string
	Border  string
	Created time.Time
}

// Server interprets the subset of tmux commands the client issues.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextPane int
	failures map[string]error
	blocked  map[string]bool
	calls    []string
}

// New creates an empty server.
func New() *Server {
	return &Server{
		sessions: make(map[string]*Session),
		failures: make(map[string]error),
		blocked:  make(map[string]bool),
		nextPane: 1,
	}
}

// Add creates a session as if a user ran tmux directly.
func (s *Server) Add(name, dir string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(name, dir, "")
}

func (s *Server) addLocked(name, dir, command string) *Session {
	sess := &Session{
		Name:    name,
		Dir:     dir,
		Command: command,
		Title:   "localhost",
		PaneID:  "%" + strconv.Itoa(s.nextPane),
		Env:     map[string]string{},
		Created: time.Now(),
	}
	s.nextPane++
	s.sessions[name] = sess
	return sess
}

// Remove deletes a session as if it exited.
func (s *Server) Remove(name string) {
	s.mu.Lock()
	delete(s.sessions, name)
	s.mu.Unlock()
}

// Has reports whether name exists.
func (s *Server) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[name]
	return ok
}

// Get returns a copy of the named session.
func (s *Server) Get(name string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Names returns all session names sorted.
func (s *Server) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sessions))
	for n := range s.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FailOn makes every invocation of the tmux subcommand return err.
func (s *Server) FailOn(command string, err error) {
	s.mu.Lock()
	s.failures[command] = err
	s.mu.Unlock()
}

// Block makes the subcommand hang until its context ends.
func (s *Server) Block(command string) {
	s.mu.Lock()
	s.blocked[command] = true
	s.mu.Unlock()
}

// Reset clears injected failures and blocks.
func (s *Server) Reset() {
	s.mu.Lock()
	s.failures = make(map[string]error)
	s.blocked = make(map[string]bool)
	s.mu.Unlock()
}

// Calls returns the subcommands seen so far.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Run implements tmux.Runner.
func (s *Server) Run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("no command")
	}
	cmd := args[0]

	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	blocked := s.blocked[cmd]
	failure := s.failures[cmd]
	s.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failure != nil {
		return "", failure
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flags, rest := parseFlags(args[1:])
	switch cmd {
	case "-V":
		return "tmux 3.4", nil
	case "list-sessions":
		if len(s.sessions) == 0 {
			return "", fmt.Errorf("no server running on /tmp/tmux-0/default: %w", tmux.ErrNoServer)
		}
		var lines []string
		for _, sess := range s.sorted() {
			lines = append(lines, strings.Join([]string{
				sess.Name, "1", "0", strconv.FormatInt(sess.Created.Unix(), 10),
			}, "|#|"))
		}
		return strings.Join(lines, "\n"), nil
	case "has-session":
		if _, err := s.targetLocked(flags["-t"]); err != nil {
			return "", err
		}
		return "", nil
	case "new-session":
		name := flags["-s"]
		if _, exists := s.sessions[name]; exists {
			return "", fmt.Errorf("duplicate session: %s: %w", name, tmux.ErrDuplicateSession)
		}
		command := ""
		if len(rest) > 0 {
			command = rest[len(rest)-1]
		}
		sess := s.addLocked(name, flags["-c"], command)
		sess.Cols, _ = strconv.Atoi(flags["-x"])
		sess.Rows, _ = strconv.Atoi(flags["-y"])
		for _, kv := range envPairs(args[1:]) {
			k, v, _ := strings.Cut(kv, "=")
			sess.Env[k] = v
		}
		return "", nil
	case "kill-session":
		sess, err := s.targetLocked(flags["-t"])
		if err != nil {
			return "", err
		}
		delete(s.sessions, sess.Name)
		return "", nil
	case "display-message":
		sess, err := s.targetLocked(flags["-t"])
		if err != nil {
			return "", err
		}
		return strings.Join([]string{sess.Title, sess.Dir, sess.PaneID}, "|#|"), nil
	case "list-panes":
		if len(s.sessions) == 0 {
			return "", fmt.Errorf("no server running: %w", tmux.ErrNoServer)
		}
		var ids []string
		for _, sess := range s.sorted() {
			ids = append(ids, sess.PaneID)
		}
		return strings.Join(ids, "\n"), nil
	case "send-keys":
		sess, err := s.targetLocked(flags["-t"])
		if err != nil {
			return "", err
		}
		if len(rest) > 0 {
			sess.Input = append(sess.Input, rest[len(rest)-1])
			sess.Output += rest[len(rest)-1]
		}
		return "", nil
	case "resize-window":
		sess, err := s.targetLocked(flags["-t"])
		if err != nil {
			return "", err
		}
		sess.Cols, _ = strconv.Atoi(flags["-x"])
		sess.Rows, _ = strconv.Atoi(flags["-y"])
		return "", nil
	case "capture-pane":
		sess, err := s.targetLocked(flags["-t"])
		if err != nil {
			return "", err
		}
		return sess.Output, nil
	case "select-pane":
		sess, err := s.targetLocked(flags["-t"])
		if err != nil {
			return "", err
		}
		sess.Border = flags["-P"]
		return "", nil
	}
	return "", fmt.Errorf("unknown command %s", cmd)
}

func (s *Server) sorted() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) targetLocked(target string) (*Session, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(target, "="), ":")
	if len(s.sessions) == 0 {
		return nil, fmt.Errorf("no server running: %w", tmux.ErrNoServer)
	}
	sess, ok := s.sessions[name]
	if !ok {
		return nil, fmt.Errorf("can't find session: %s: %w", name, tmux.ErrSessionNotFound)
	}
	return sess, nil
}

// valueFlags take an argument.
var valueFlags = map[string]bool{"-t": true, "-s": true, "-c": true, "-x": true, "-y": true, "-F": true, "-S": true, "-e": true, "-P": true}

func parseFlags(args []string) (map[string]string, []string) {
	flags := map[string]string{}
	var rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			rest = append(rest, args[i+1:]...)
			break
		}
		if valueFlags[a] && i+1 < len(args) {
			flags[a] = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			flags[a] = ""
			continue
		}
		rest = append(rest, a)
	}
	return flags, rest
}

func envPairs(args []string) []string {
	var out []string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-e" {
			out = append(out, args[i+1])
			i++
		}
	}
	return out
}
