package reporter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// EventsFile is the per-deployment event log name.
const EventsFile = "events.jsonl"

// FileSink appends events to <root>/<deployment_id>/events.jsonl. Files stay
// open until the deployment finishes or the sink is closed.
type FileSink struct {
	root string

	mu    sync.Mutex
	files map[string]*eventFile
}

type eventFile struct {
	f    *os.File
	core zapcore.Core
}

// NewFileSink creates a sink rooted at root, usually the file store root.
func NewFileSink(root string) *FileSink {
	return &FileSink{root: root, files: make(map[string]*eventFile)}
}

func (s *FileSink) Name() string { return "file" }

// Path returns the events file of a deployment.
func (s *FileSink) Path(deploymentID string) string {
	return filepath.Join(s.root, deploymentID, EventsFile)
}

func (s *FileSink) Write(_ context.Context, e Event) error {
	if err := deployment.ValidateID(e.DeploymentID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ef, err := s.open(e.DeploymentID)
	if err != nil {
		return err
	}
	entry := zapcore.Entry{Level: zapcore.InfoLevel, Time: e.Time}
	if err := ef.core.Write(entry, []zap.Field{zap.Inline(e)}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if e.Type == EventDeploymentFinished {
		delete(s.files, e.DeploymentID)
		return ef.f.Close()
	}
	return nil
}

func (s *FileSink) open(id string) (*eventFile, error) {
	if ef, ok := s.files[id]; ok {
		return ef, nil
	}
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create events dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open events file: %w", err)
	}
	ef := &eventFile{
		f:    f,
		core: zapcore.NewCore(zapcore.NewJSONEncoder(eventEncoderConfig()), zapcore.AddSync(f), zapcore.InfoLevel),
	}
	s.files[id] = ef
	return ef, nil
}

// eventEncoderConfig writes only the timestamp and the event fields.
func eventEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, ef := range s.files {
		errs = append(errs, ef.f.Close())
		delete(s.files, id)
	}
	return errors.Join(errs...)
}

// ReadEvents returns the events recorded for a deployment, oldest first.
func ReadEvents(root, deploymentID string) ([]Event, error) {
	if err := deployment.ValidateID(deploymentID); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(root, deploymentID, EventsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return events, fmt.Errorf("%s line %d: %w", EventsFile, line, err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}
