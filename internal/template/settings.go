// Package template parses and imports exercise templates.
package template

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/remote-exercises/ref-core/models"
	"github.com/remote-exercises/ref-core/pkg/constants"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

const (
	submissionTestsFile = "submission_tests"
	defaultFlagPath     = "/home/user/flag"
)

var (
	shortNamePattern   = regexp.MustCompile(`^[a-zA-Z0-9._]+$`)
	serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

type settings struct {
	ShortName      string                     `yaml:"short-name"`
	Category       string                     `yaml:"category"`
	Version        *int                       `yaml:"version"`
	SubmissionTest bool                       `yaml:"submission-test"`
	Entry          *entrySettings             `yaml:"entry"`
	Services       map[string]serviceSettings `yaml:"services"`
}

type flagSettings struct {
	Location   string `yaml:"location"`
	Value      string `yaml:"value"`
	User       string `yaml:"user"`
	Group      string `yaml:"group"`
	Permission int    `yaml:"permission"`
}

type entrySettings struct {
	Files           []string      `yaml:"files"`
	BuildCmd        []string      `yaml:"build-cmd"`
	Cmd             []string      `yaml:"cmd"`
	DisableASLR     bool          `yaml:"disable-aslr"`
	NoRandomize     []string      `yaml:"no-randomize"`
	PersistencePath string        `yaml:"persistance-path"`
	ReadOnly        bool          `yaml:"read-only"`
	AllowInternet   bool          `yaml:"allow-internet"`
	Flag            *flagSettings `yaml:"flag"`
}

type serviceSettings struct {
	Files         []string      `yaml:"files"`
	BuildCmd      []string      `yaml:"build-cmd"`
	Cmd           []string      `yaml:"cmd"`
	DisableASLR   bool          `yaml:"disable-aslr"`
	ReadOnly      bool          `yaml:"read-only"`
	AllowInternet bool          `yaml:"allow-internet"`
	Flag          *flagSettings `yaml:"flag"`
}

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", pkgerrors.ErrConfig, fmt.Sprintf(format, args...))
}

// Load parses dir/settings.yml into an unsaved template. It does not touch
// anything on disk besides reading.
func Load(dir string) (*models.Template, error) {
	path := filepath.Join(dir, constants.TemplateSettingsFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("failed to read %s: %s", path, err)
	}
	tmpl, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if tmpl.SubmissionTest {
		if info, err := os.Stat(filepath.Join(dir, submissionTestsFile)); err != nil || !info.Mode().IsRegular() {
			return nil, configErrorf("missing %s file", submissionTestsFile)
		}
	}
	return tmpl, nil
}

// Parse validates a settings document. Unknown keys are rejected.
func Parse(raw []byte) (*models.Template, error) {
	var s settings
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, configErrorf("settings are empty")
		}
		return nil, configErrorf("%s", err)
	}

	if s.ShortName == "" {
		return nil, configErrorf(`missing required attribute "short-name"`)
	}
	if !shortNamePattern.MatchString(s.ShortName) {
		return nil, configErrorf("short-name %q is invalid (%s)", s.ShortName, shortNamePattern)
	}
	if s.Version == nil {
		return nil, configErrorf(`missing required attribute "version"`)
	}
	if *s.Version <= 0 {
		return nil, configErrorf("version must be positive, got %d", *s.Version)
	}
	if s.Entry == nil {
		return nil, configErrorf(`an exercise must have exactly one "entry" section`)
	}

	entry, err := parseEntry(s.Entry)
	if err != nil {
		return nil, err
	}

	tmpl := &models.Template{
		ShortName:      s.ShortName,
		Version:        *s.Version,
		Category:       s.Category,
		SubmissionTest: s.SubmissionTest,
		BuildStatus:    constants.BuildStatusNotBuilt,
		Entry:          entry,
	}

	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		svc, err := parseService(name, s.Services[name])
		if err != nil {
			return nil, err
		}
		tmpl.Services = append(tmpl.Services, svc)
	}
	return tmpl, nil
}

func parseEntry(e *entrySettings) (models.EntryService, error) {
	if e.ReadOnly && e.PersistencePath != "" {
		return models.EntryService{}, configErrorf("persistance-path and read-only are mutually exclusive")
	}
	entry := models.EntryService{
		Files:           e.Files,
		BuildCmd:        e.BuildCmd,
		Cmd:             e.Cmd,
		DisableASLR:     e.DisableASLR,
		PersistencePath: e.PersistencePath,
		Readonly:        e.ReadOnly,
		AllowInternet:   e.AllowInternet,
	}
	if len(entry.Cmd) == 0 {
		entry.Cmd = []string{constants.DefaultEntryCommand}
	}
	if e.Flag != nil {
		if e.Flag.Value == "" {
			return models.EntryService{}, configErrorf("entry flag needs a value")
		}
		entry.FlagPath = e.Flag.Location
		if entry.FlagPath == "" {
			entry.FlagPath = defaultFlagPath
		}
		entry.FlagValue = e.Flag.Value
	}
	return entry, nil
}

func parseService(name string, s serviceSettings) (models.PeripheralService, error) {
	if !serviceNamePattern.MatchString(name) {
		return models.PeripheralService{}, configErrorf("service name %q is invalid (%s)", name, serviceNamePattern)
	}
	if len(s.Cmd) == 0 {
		return models.PeripheralService{}, configErrorf(`service %s: missing required attribute "cmd"`, name)
	}
	if s.Flag != nil && (s.Flag.Location == "" || s.Flag.Value == "") {
		return models.PeripheralService{}, configErrorf("service %s: flag needs a location and a value", name)
	}
	return models.PeripheralService{
		Name:          name,
		Files:         s.Files,
		BuildCmd:      s.BuildCmd,
		Cmd:           s.Cmd,
		DisableASLR:   s.DisableASLR,
		Readonly:      s.ReadOnly,
		AllowInternet: s.AllowInternet,
	}, nil
}

// CheckSuccessor verifies that next may be imported next to the existing
// versions of the same template.
func CheckSuccessor(existing []*models.Template, next *models.Template) error {
	for _, t := range existing {
		if t.Version == next.Version {
			return configErrorf("%s is already imported", next)
		}
		if t.Entry.Readonly != next.Entry.Readonly {
			return configErrorf("changing the read-only flag between versions is not allowed (%s)", t)
		}
		if t.Entry.PersistencePath != next.Entry.PersistencePath {
			return configErrorf("persistance path changes are not allowed between versions (%s)", t)
		}
	}
	return nil
}
