// Command solarflow-debug is an interactive REPL for watching live
// MQTT topics published by solarflow-control and its upstream devices,
// with rolling 1/5/15-minute aggregates alongside the current value.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/ryansname/solarflow-control/internal/bus"
	"github.com/ryansname/solarflow-control/internal/config"
	"github.com/ryansname/solarflow-control/internal/timewindow"
)

// floatTopic tracks a numeric topic's current/previous value plus
// three rolling windows for trend inspection.
type floatTopic struct {
	current, previous float64
	w1, w5, w15        *timewindow.Window
}

func newFloatTopic() *floatTopic {
	return &floatTopic{
		w1:  timewindow.New(1 * time.Minute),
		w5:  timewindow.New(5 * time.Minute),
		w15: timewindow.New(15 * time.Minute),
	}
}

func (f *floatTopic) update(v float64) {
	f.previous = f.current
	f.current = v
	f.w1.Add(v)
	f.w5.Add(v)
	f.w15.Add(v)
}

func (f *floatTopic) window(minutes int) *timewindow.Window {
	switch minutes {
	case 1:
		return f.w1
	case 5:
		return f.w5
	default:
		return f.w15
	}
}

// aggregate names the window's estimator, echoing the teacher's
// percentile-flag vocabulary onto the estimators timewindow.Window
// actually exposes: 1=latest sample, 50=plain average, 66=linearly
// weighted average, 99=quadratically weighted average.
func aggregate(w *timewindow.Window, estimator int) float64 {
	switch estimator {
	case 1:
		return w.Last()
	case 66:
		return w.WAvg()
	case 99:
		return w.QWAvg()
	default:
		return w.Avg()
	}
}

// snapshot is a point-in-time copy of every topic seen so far, handed
// to the REPL goroutine so it never touches the live map directly.
type snapshot struct {
	floats  map[string]*floatTopic
	strings map[string]string
	bools   map[string]bool
}

type topicStore struct {
	mu      sync.Mutex
	floats  map[string]*floatTopic
	strings map[string]string
	bools   map[string]bool
}

func newTopicStore() *topicStore {
	return &topicStore{
		floats:  make(map[string]*floatTopic),
		strings: make(map[string]string),
		bools:   make(map[string]bool),
	}
}

func (s *topicStore) ingest(topic string, payload []byte) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		ft, ok := s.floats[topic]
		if !ok {
			ft = newFloatTopic()
			s.floats[topic] = ft
		}
		ft.update(f)
		return
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		s.bools[topic] = b
		return
	}
	s.strings[topic] = raw
}

func (s *topicStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := snapshot{
		floats:  make(map[string]*floatTopic, len(s.floats)),
		strings: make(map[string]string, len(s.strings)),
		bools:   make(map[string]bool, len(s.bools)),
	}
	for k, v := range s.floats {
		out.floats[k] = v
	}
	for k, v := range s.strings {
		out.strings[k] = v
	}
	for k, v := range s.bools {
		out.bools[k] = v
	}
	return out
}

// watchSpec is a single column the REPL is tracking: a topic plus an
// optional (window, estimator) pair.
type watchSpec struct {
	topic     string
	minutes   int
	estimator int
}

func (w watchSpec) key() string {
	if w.minutes == 0 && w.estimator == 0 {
		return w.topic
	}
	return fmt.Sprintf("%s -m %d -p %d", w.topic, w.minutes, w.estimator)
}

func (w watchSpec) header() string {
	parts := strings.Split(w.topic, "/")
	name := w.topic
	if len(parts) >= 2 {
		name = parts[len(parts)-1]
	}
	if w.minutes == 0 && w.estimator == 0 {
		return name
	}
	return fmt.Sprintf("%s %dm p%d", name, w.minutes, w.estimator)
}

func formatValue(v float64) string {
	if v >= 100 || v <= -100 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func (w watchSpec) value(snap snapshot) string {
	if s, ok := snap.strings[w.topic]; ok {
		return s
	}
	if b, ok := snap.bools[w.topic]; ok {
		if b {
			return "on"
		}
		return "off"
	}
	ft, ok := snap.floats[w.topic]
	if !ok {
		return "-"
	}
	if w.minutes == 0 && w.estimator == 0 {
		return formatValue(ft.current)
	}
	return formatValue(aggregate(ft.window(w.minutes), w.estimator))
}

const (
	ansiReset  = "\033[0m"
	ansiYellow = "\033[33m"
)

// replState holds the REPL's watch list and the last printed row, so
// unchanged rows are suppressed and changed cells get highlighted.
type replState struct {
	rl            *readline.Instance
	watches       []watchSpec
	columnWidths  []int
	headerPrinted bool
	prevValues    map[string]string
	latest        *snapshot
}

func newReplState(rl *readline.Instance) *replState {
	return &replState{rl: rl, prevValues: make(map[string]string)}
}

func (s *replState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.rl.Clean()
	fmt.Println(line)
	s.rl.Refresh()
}

func (s *replState) addWatch(spec watchSpec) {
	for _, w := range s.watches {
		if w.key() == spec.key() {
			log.Printf("already watching: %s", spec.key())
			return
		}
	}
	s.watches = append(s.watches, spec)
	sort.Slice(s.watches, func(i, j int) bool { return s.watches[i].header() < s.watches[j].header() })
	s.headerPrinted = false
	log.Printf("watching: %s", spec.key())
}

func (s *replState) removeAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
	log.Println("all watches removed")
}

func (s *replState) removeFuzzy(spec watchSpec) {
	topic := spec.topic
	exact := spec.minutes != 0 || spec.estimator != 0
	var matches []int
	for i, w := range s.watches {
		if (exact && w.key() == spec.key()) || (!exact && w.topic == topic) {
			matches = append(matches, i)
		}
	}
	switch len(matches) {
	case 0:
		log.Printf("no watch found for: %s", topic)
	case 1:
		s.watches = slices.Delete(s.watches, matches[0], matches[0]+1)
		s.headerPrinted = false
		log.Printf("unwatched: %s", topic)
	default:
		log.Printf("multiple watches for %s, use the full spec to unwatch", topic)
	}
}

func (s *replState) listTopics() {
	if s.latest == nil {
		log.Println("no data received yet")
		return
	}
	names := make([]string, 0, len(s.latest.floats)+len(s.latest.strings)+len(s.latest.bools))
	kind := make(map[string]string)
	for t := range s.latest.floats {
		names = append(names, t)
		kind[t] = "float"
	}
	for t := range s.latest.strings {
		names = append(names, t)
		kind[t] = "string"
	}
	for t := range s.latest.bools {
		names = append(names, t)
		kind[t] = "bool"
	}
	sort.Strings(names)
	s.print("known topics (%d):", len(names))
	for _, t := range names {
		s.print("  [%s] %s", kind[t], t)
	}
}

func (s *replState) printHeader() {
	if len(s.watches) == 0 {
		return
	}
	s.columnWidths = make([]int, len(s.watches))
	parts := make([]string, len(s.watches))
	for i, w := range s.watches {
		s.columnWidths[i] = len(w.header())
		parts[i] = fmt.Sprintf("%*s", s.columnWidths[i], w.header())
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = make(map[string]string)
}

func (s *replState) printRow(snap snapshot) {
	if len(s.watches) == 0 {
		return
	}
	if !s.headerPrinted {
		s.printHeader()
	}

	parts := make([]string, len(s.watches))
	next := make(map[string]string, len(s.watches))
	changed := false
	for i, w := range s.watches {
		value := w.value(snap)
		key := w.key()
		next[key] = value

		width := s.columnWidths[i]
		if len(value) > width {
			width = len(value)
			s.columnWidths[i] = width
		}

		if prev, ok := s.prevValues[key]; !ok || prev != value {
			changed = true
			parts[i] = fmt.Sprintf("%s%*s%s", ansiYellow, width, value, ansiReset)
		} else {
			parts[i] = fmt.Sprintf("%*s", width, value)
		}
	}
	if changed {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = next
	}
}

func parseWatchSpec(args []string) (*watchSpec, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: watch <topic> [-m <1|5|15>] [-p <1|50|66|99>]")
	}
	spec := &watchSpec{topic: args[0]}
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-m":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-m requires a value (1, 5, or 15)")
			}
			m, err := strconv.Atoi(args[i])
			if err != nil || (m != 1 && m != 5 && m != 15) {
				return nil, fmt.Errorf("-m must be 1, 5, or 15")
			}
			spec.minutes = m
		case "-p":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("-p requires a value (1, 50, 66, or 99)")
			}
			p, err := strconv.Atoi(args[i])
			if err != nil || (p != 1 && p != 50 && p != 66 && p != 99) {
				return nil, fmt.Errorf("-p must be 1, 50, 66, or 99")
			}
			spec.estimator = p
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	if spec.minutes > 0 && spec.estimator == 0 {
		spec.estimator = 50
	}
	if spec.estimator > 0 && spec.minutes == 0 {
		spec.minutes = 15
	}
	return spec, nil
}

func handleCommand(cmd string, state *replState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}
	switch parts[0] {
	case "watch":
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		state.addWatch(*spec)
	case "unwatch":
		if len(parts) < 2 {
			log.Println("usage: unwatch <topic> [-m <minutes>] [-p <estimator>] | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.removeAll()
			return
		}
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			log.Printf("error: %v", err)
			return
		}
		state.removeFuzzy(*spec)
	case "list":
		state.listTopics()
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  list                          - list all known topics")
		fmt.Println("  watch <topic>                 - watch current value")
		fmt.Println("  watch <topic> -m <1|5|15>     - watch a rolling window (defaults to p50)")
		fmt.Println("  watch <topic> -p <1|50|66|99> - watch an estimator (defaults to 15m)")
		fmt.Println("  unwatch <topic>               - remove a watch")
		fmt.Println("  unwatch --all                 - remove every watch")
		fmt.Println("  help                          - show this help")
	default:
		log.Printf("unknown command: %s (try 'help')", parts[0])
	}
}

func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "solarflow-debug")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "history")
}

type readlineWriter struct{ rl *readline.Instance }

func (w *readlineWriter) Write(p []byte) (int, error) {
	w.rl.Clean()
	n, err := os.Stderr.Write(p)
	w.rl.Refresh()
	return n, err
}

func runREPL(ctx context.Context, cancel context.CancelFunc, store *topicStore, tick <-chan time.Time) {
	rl, err := readline.NewEx(&readline.Config{Prompt: "> ", HistoryFile: historyFilePath()})
	if err != nil {
		log.Printf("readline init failed: %v", err)
		return
	}
	defer rl.Close()
	log.SetOutput(&readlineWriter{rl: rl})

	log.Println("solarflow-debug started (type 'help' for commands)")

	state := newReplState(rl)
	cmdChan := make(chan string, 10)
	go func() {
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				cancel()
				return
			}
			if err != nil {
				return
			}
			if line = strings.TrimSpace(line); line != "" {
				cmdChan <- line
			}
		}
	}()

	for {
		select {
		case cmd := <-cmdChan:
			handleCommand(cmd, state)
		case <-tick:
			snap := store.snapshot()
			state.latest = &snap
			state.printRow(snap)
		case <-ctx.Done():
			log.Println("solarflow-debug stopped")
			return
		}
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	client, err := bus.Connect(bus.Options{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		Username: cfg.MQTTUser,
		Password: cfg.MQTTPassword,
		ClientID: "solarflow-debug",
	})
	if err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}

	store := newTopicStore()
	client.OnMessage(func(topic string, payload []byte) {
		store.ingest(topic, payload)
	})
	for _, topic := range []string{
		fmt.Sprintf("solarflow-hub/%s/#", cfg.DeviceID),
		"opendtu/#",
		"ahoydtu/#",
		"tele/smartmeter/#",
		"shellies/+/emeter/+/power",
		"vzlogger/#",
	} {
		client.Subscribe(topic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	runREPL(ctx, cancel, store, ticker.C)

	client.Disconnect(250)
}
