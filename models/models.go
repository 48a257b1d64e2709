package models

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/remote-exercises/ref-core/pkg/constants"
)

// Template (GORM Model) is one version of an exercise.
type Template struct {
	ID              int64               `json:"id" gorm:"primaryKey"`
	ShortName       string              `json:"short_name" gorm:"not null;uniqueIndex:idx_template_name_version"`
	Version         int                 `json:"version" gorm:"not null;uniqueIndex:idx_template_name_version"`
	Category        string              `json:"category"`
	IsDefault       bool                `json:"is_default"`
	SubmissionTest  bool                `json:"submission_test"`
	BuildStatus     string              `json:"build_status"`
	BuildLog        string              `json:"build_log"`
	TemplatePath    string              `json:"template_path"`
	PersistencePath string              `json:"persistence_path"`
	Entry           EntryService        `json:"entry" gorm:"serializer:json"`
	Services        []PeripheralService `json:"services" gorm:"serializer:json"`
	CreatedAt       time.Time           `json:"created_at"`
}

type EntryService struct {
	Files           []string `json:"files,omitempty"`
	BuildCmd        []string `json:"build_cmd,omitempty"`
	Cmd             []string `json:"cmd,omitempty"`
	DisableASLR     bool     `json:"disable_aslr"`
	PersistencePath string   `json:"persistence_path,omitempty"`
	Readonly        bool     `json:"readonly"`
	AllowInternet   bool     `json:"allow_internet"`
	FlagPath        string   `json:"flag_path,omitempty"`
	FlagValue       string   `json:"flag_value,omitempty"`
}

type PeripheralService struct {
	Name          string   `json:"name"`
	Files         []string `json:"files,omitempty"`
	BuildCmd      []string `json:"build_cmd,omitempty"`
	Cmd           []string `json:"cmd"`
	DisableASLR   bool     `json:"disable_aslr"`
	Readonly      bool     `json:"readonly"`
	AllowInternet bool     `json:"allow_internet"`
}

// Persistent reports whether instances of t get a writable home directory.
func (t *Template) Persistent() bool {
	return t.Entry.PersistencePath != "" && !t.Entry.Readonly
}

func (t *Template) LowerDir() string {
	return filepath.Join(t.PersistencePath, constants.TemplateLowerDirPath)
}

func (t *Template) EntryImage(prefix string) string {
	return fmt.Sprintf("%s%s-entry:v%d", prefix, t.ShortName, t.Version)
}

func (t *Template) ServiceImage(prefix, service string) string {
	return fmt.Sprintf("%s%s-%s:v%d", prefix, t.ShortName, service, t.Version)
}

func (t *Template) AnyServiceWithInternet() bool {
	for _, s := range t.Services {
		if s.AllowInternet {
			return true
		}
	}
	return false
}

func (t *Template) String() string {
	return fmt.Sprintf("%s@%d", t.ShortName, t.Version)
}

type User struct {
	ID        int64     `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key" gorm:"uniqueIndex"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Instance is one template materialized for one user.
type Instance struct {
	ID                  int64               `json:"id" gorm:"primaryKey"`
	UserID              int64               `json:"user_id" gorm:"index;not null"`
	User                User                `json:"-"`
	TemplateID          int64               `json:"template_id" gorm:"index;not null"`
	Template            Template            `json:"-"`
	PersistencePath     string              `json:"persistence_path"`
	EntryContainerID    string              `json:"entry_container_id"`
	NetworkID           string              `json:"network_id"`
	PeripheralNetworkID string              `json:"peripheral_network_id"`
	InternetNetworkID   string              `json:"internet_network_id"`
	Peripherals         []PeripheralRuntime `json:"peripherals" gorm:"serializer:json"`
	IsSubmission        bool                `json:"is_submission"`
	CreatedAt           time.Time           `json:"created_at"`

	// Submissions created from this instance.
	Submissions []Submission `json:"-" gorm:"foreignKey:OriginInstanceID"`
	// Submission this instance is the snapshot of, if any.
	Submission *Submission `json:"-" gorm:"foreignKey:SubmittedInstanceID"`
}

type PeripheralRuntime struct {
	Name        string `json:"name"`
	ContainerID string `json:"container_id"`
}

// ClearRuntime forgets every container and network id.
func (i *Instance) ClearRuntime() {
	i.EntryContainerID = ""
	i.NetworkID = ""
	i.PeripheralNetworkID = ""
	i.InternetNetworkID = ""
	i.Peripherals = nil
}

type Submission struct {
	ID                  int64     `json:"id" gorm:"primaryKey"`
	OriginInstanceID    int64     `json:"origin_instance_id" gorm:"index;not null"`
	SubmittedInstanceID int64     `json:"submitted_instance_id" gorm:"uniqueIndex;not null"`
	SubmittedAt         time.Time `json:"submitted_at"`
	TestExitCode        int       `json:"test_exit_code"`
	TestOutput          string    `json:"test_output"`
	TestPassed          bool      `json:"test_passed"`
	Grading             *Grading  `json:"grading,omitempty" gorm:"foreignKey:SubmissionID"`
}

type Grading struct {
	ID           int64     `json:"id" gorm:"primaryKey"`
	SubmissionID int64     `json:"submission_id" gorm:"uniqueIndex;not null"`
	Points       int       `json:"points"`
	Comment      string    `json:"comment"`
	GraderID     int64     `json:"grader_id"`
	GradedAt     time.Time `json:"graded_at"`
}
