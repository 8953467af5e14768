// Package config loads vaultcron's YAML configuration: the main: section,
// and the jobs: list described in SPEC_FULL.md §6. It is grounded on the
// yaml.v3 usage in vjache-cie/cmd/cie/config.go and polarfoxDev-marina's
// internal/config, adapted with a custom !include/!import tag resolver.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vaultcron/vaultcron/internal/errs"
)

// JobKind enumerates the nine backup types §3/§4.6 recognize.
type JobKind string

const (
	KindMySQL              JobKind = "mysql"
	KindMySQLXtrabackup    JobKind = "mysql_xtrabackup"
	KindPostgreSQL         JobKind = "postgresql"
	KindPostgreSQLBaseback JobKind = "postgresql_basebackup"
	KindMongoDB            JobKind = "mongodb"
	KindRedis              JobKind = "redis"
	KindDescFiles          JobKind = "desc_files"
	KindIncFiles           JobKind = "inc_files"
	KindExternal           JobKind = "external"
)

var validKinds = map[JobKind]bool{
	KindMySQL: true, KindMySQLXtrabackup: true, KindPostgreSQL: true,
	KindPostgreSQLBaseback: true, KindMongoDB: true, KindRedis: true,
	KindDescFiles: true, KindIncFiles: true, KindExternal: true,
}

// DestinationKind enumerates the seven storage backends §4.3 abstracts over.
type DestinationKind string

const (
	DestLocal  DestinationKind = "local"
	DestSCP    DestinationKind = "scp"
	DestFTP    DestinationKind = "ftp"
	DestSMB    DestinationKind = "smb"
	DestNFS    DestinationKind = "nfs"
	DestWebDAV DestinationKind = "webdav"
	DestS3     DestinationKind = "s3"
)

var validDestKinds = map[DestinationKind]bool{
	DestLocal: true, DestSCP: true, DestFTP: true, DestSMB: true,
	DestNFS: true, DestWebDAV: true, DestS3: true,
}

// Retention is the {days, weeks, months} triple from §3/§4.4.
type Retention struct {
	Days   int `yaml:"days"`
	Weeks  int `yaml:"weeks"`
	Months int `yaml:"months"`
}

// Connect is the connection record for database-kind sources.
type Connect struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Socket   string `yaml:"socket,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	AuthFile string `yaml:"auth_file,omitempty"`
}

// Source parameterizes what one job source dumps (§3).
type Source struct {
	Connect    Connect  `yaml:"connect,omitempty"`
	Target     []string `yaml:"target,omitempty"`
	Excludes   []string `yaml:"excludes,omitempty"`
	Gzip       bool     `yaml:"gzip,omitempty"`
	ExtraKeys  string   `yaml:"extra_keys,omitempty"`
	DumpCmd    string   `yaml:"dump_cmd,omitempty"`
}

// Destination is where an artifact is persisted (§3).
type Destination struct {
	Kind             DestinationKind `yaml:"storage"`
	Enable           bool            `yaml:"enable"`
	BackupDir        string          `yaml:"backup_dir"`
	RemoteMountPoint string          `yaml:"remote_mount_point,omitempty"`
	Retention        Retention       `yaml:"store"`

	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSHKey   string `yaml:"ssh_key,omitempty"`

	Share string `yaml:"share,omitempty"`

	Bucket          string `yaml:"bucket,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Region          string `yaml:"region,omitempty"`
}

// Job is the unit of work described by §3.
type Job struct {
	Name                 string        `yaml:"job"`
	Kind                 JobKind       `yaml:"type"`
	TmpDir               string        `yaml:"tmp_dir"`
	Sources              []Source      `yaml:"sources"`
	Destinations         []Destination `yaml:"storages"`
	SafetyBackup         bool          `yaml:"safety_backup,omitempty"`
	DeferredCopyingLevel int           `yaml:"deferred_copying_level,omitempty"`
	IncMonthsToStore     int           `yaml:"inc_months_to_store,omitempty"`
	Schedule             string        `yaml:"schedule,omitempty"` // only consumed by `serve`
}

// Main holds the main: section of the config file.
type Main struct {
	AdminMail      string   `yaml:"admin_mail"`
	LogFile        string   `yaml:"log_file,omitempty"`
	ClientMail     []string `yaml:"client_mail,omitempty"`
	LevelMessage   string   `yaml:"level_message,omitempty"`
	MailFrom       string   `yaml:"mail_from,omitempty"`
	ServerName     string   `yaml:"server_name,omitempty"`

	SMTPServer   string `yaml:"smtp_server,omitempty"`
	SMTPPort     int    `yaml:"smtp_port,omitempty"`
	SMTPSSL      bool   `yaml:"smtp_ssl,omitempty"`
	SMTPTLS      bool   `yaml:"smtp_tls,omitempty"`
	SMTPUser     string `yaml:"smtp_user,omitempty"`
	SMTPPassword string `yaml:"smtp_password,omitempty"`
	SMTPTimeout  int    `yaml:"smtp_timeout,omitempty"`

	GeneralPathToAllTmpDir string `yaml:"general_path_to_all_tmp_dir,omitempty"`

	LoopTimeout  int `yaml:"loop_timeout,omitempty"`  // lock wait budget, seconds; 0 = fail fast
	LoopInterval int `yaml:"loop_interval,omitempty"` // lock retry poll interval, seconds; default 30

	MetricsAddr string `yaml:"metrics_addr,omitempty"` // [ADD] serve-mode /metrics listener
}

// Config is the fully-resolved document.
type Config struct {
	Main Main  `yaml:"main"`
	Jobs []Job `yaml:"jobs"`
}

func (m Main) loopIntervalOrDefault() int {
	if m.LoopInterval > 0 {
		return m.LoopInterval
	}
	return 30
}

// LoopInterval returns the configured (or defaulted) lock retry interval.
func (c Config) LoopInterval() int { return c.Main.loopIntervalOrDefault() }

// Load reads and fully resolves path, following !include/!import tags, then
// validates the result per §3's invariants.
func Load(path string) (*Config, error) {
	node, err := loadNode(path, newIncludeGuard())
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := node.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %s", errs.ErrConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants from §3: job names unique, kind known,
// at least one enabled destination, destination kind known.
func (c *Config) Validate() error {
	if c.Main.AdminMail == "" {
		return fmt.Errorf("%w: main.admin_mail is required", errs.ErrConfig)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i := range c.Jobs {
		j := &c.Jobs[i]
		if j.Name == "" {
			return fmt.Errorf("%w: job at index %d has no name", errs.ErrConfig, i)
		}
		if seen[j.Name] {
			return fmt.Errorf("%w: duplicate job name %q", errs.ErrConfig, j.Name)
		}
		seen[j.Name] = true

		if !validKinds[j.Kind] {
			return fmt.Errorf("%w: job %q has unknown type %q", errs.ErrConfig, j.Name, j.Kind)
		}
		if j.TmpDir == "" {
			return fmt.Errorf("%w: job %q is missing tmp_dir", errs.ErrConfig, j.Name)
		}
		if j.IncMonthsToStore == 0 {
			j.IncMonthsToStore = 12
		} else if j.IncMonthsToStore < 1 || j.IncMonthsToStore > 12 {
			return fmt.Errorf("%w: job %q inc_months_to_store must be 1..12", errs.ErrConfig, j.Name)
		}

		enabledCount := 0
		for d := range j.Destinations {
			dst := &j.Destinations[d]
			if !validDestKinds[dst.Kind] {
				return fmt.Errorf("%w: job %q has unknown storage kind %q", errs.ErrConfig, j.Name, dst.Kind)
			}
			if dst.Enable {
				enabledCount++
			}
			if err := validateDestination(j.Name, dst); err != nil {
				return err
			}
		}
		if enabledCount == 0 {
			return fmt.Errorf("%w: job %q has no enabled destinations", errs.ErrConfig, j.Name)
		}
	}
	return nil
}

// validateDestination enforces §4.3's Validate() field requirements.
func validateDestination(jobName string, d *Destination) error {
	switch d.Kind {
	case DestLocal:
		if d.BackupDir == "" {
			return fmt.Errorf("%w: job %q local destination missing backup_dir", errs.ErrConfig, jobName)
		}
	case DestS3:
		if d.Bucket == "" {
			return fmt.Errorf("%w: job %q s3 destination missing bucket", errs.ErrConfig, jobName)
		}
	case DestSMB:
		if d.Host == "" {
			return fmt.Errorf("%w: job %q smb destination missing host", errs.ErrConfig, jobName)
		}
		if d.Share == "" {
			return fmt.Errorf("%w: job %q smb destination missing share", errs.ErrConfig, jobName)
		}
		if d.User == "" {
			return fmt.Errorf("%w: job %q smb destination missing user", errs.ErrConfig, jobName)
		}
	case DestSCP:
		if d.Host == "" {
			return fmt.Errorf("%w: job %q scp destination missing host", errs.ErrConfig, jobName)
		}
		if d.User == "" {
			return fmt.Errorf("%w: job %q scp destination missing user", errs.ErrConfig, jobName)
		}
		if d.Password == "" && d.SSHKey == "" {
			return fmt.Errorf("%w: job %q scp destination needs password or ssh_key", errs.ErrConfig, jobName)
		}
	case DestFTP, DestWebDAV:
		if d.Host == "" {
			return fmt.Errorf("%w: job %q %s destination missing host", errs.ErrConfig, jobName, d.Kind)
		}
		if d.User == "" {
			return fmt.Errorf("%w: job %q %s destination missing user", errs.ErrConfig, jobName, d.Kind)
		}
	case DestNFS:
		if d.Host == "" {
			return fmt.Errorf("%w: job %q nfs destination missing host", errs.ErrConfig, jobName)
		}
	}
	return nil
}

// --- !include / !import resolution -----------------------------------------

const maxIncludeDepth = 16

type includeGuard struct {
	seen  map[string]bool
	depth int
}

func newIncludeGuard() *includeGuard {
	return &includeGuard{seen: make(map[string]bool)}
}

// loadNode parses path into a yaml.Node tree with !include/!import tags
// resolved recursively, guarded against cycles (seen-set of absolute paths)
// and unbounded recursion (maxIncludeDepth), per §9's design note.
func loadNode(path string, guard *includeGuard) (*yaml.Node, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve path %s: %s", errs.ErrConfig, path, err)
	}
	if guard.seen[abs] {
		return nil, fmt.Errorf("%w: include cycle detected at %s", errs.ErrConfig, abs)
	}
	if guard.depth >= maxIncludeDepth {
		return nil, fmt.Errorf("%w: include depth exceeds %d at %s", errs.ErrConfig, maxIncludeDepth, abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %s", errs.ErrConfig, abs, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %s", errs.ErrConfig, abs, err)
	}
	if len(root.Content) == 0 {
		return &root, nil
	}

	guard.seen[abs] = true
	guard.depth++
	defer func() {
		delete(guard.seen, abs)
		guard.depth--
	}()

	if err := resolveIncludes(root.Content[0], filepath.Dir(abs), guard); err != nil {
		return nil, err
	}
	return &root, nil
}

// resolveIncludes walks a yaml.Node tree, replacing any node tagged
// !include/!import with the parsed contents of the file(s) it names. A
// scalar names a single file; a sequence names multiple files (each entry
// may itself be a glob pattern, expanded in order); a mapping names one file
// per value.
func resolveIncludes(n *yaml.Node, baseDir string, guard *includeGuard) error {
	if n == nil {
		return nil
	}

	if n.Tag == "!include" || n.Tag == "!import" {
		resolved, err := expandInclude(n, baseDir, guard)
		if err != nil {
			return err
		}
		*n = *resolved
		return nil
	}

	for _, child := range n.Content {
		if err := resolveIncludes(child, baseDir, guard); err != nil {
			return err
		}
	}
	return nil
}

func expandInclude(n *yaml.Node, baseDir string, guard *includeGuard) (*yaml.Node, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return includeFile(filepath.Join(baseDir, n.Value), guard)

	case yaml.SequenceNode:
		var merged []*yaml.Node
		for _, item := range n.Content {
			matches, err := filepath.Glob(filepath.Join(baseDir, item.Value))
			if err != nil {
				return nil, fmt.Errorf("%w: bad glob %q: %s", errs.ErrConfig, item.Value, err)
			}
			if len(matches) == 0 {
				matches = []string{filepath.Join(baseDir, item.Value)}
			}
			for _, m := range matches {
				included, err := includeFile(m, guard)
				if err != nil {
					return nil, err
				}
				if included.Kind == yaml.SequenceNode {
					merged = append(merged, included.Content...)
				} else {
					merged = append(merged, included)
				}
			}
		}
		return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: merged}, nil

	case yaml.MappingNode:
		var merged []*yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i]
			valFile := n.Content[i+1]
			included, err := includeFile(filepath.Join(baseDir, valFile.Value), guard)
			if err != nil {
				return nil, err
			}
			merged = append(merged, key, included)
		}
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: merged}, nil
	}
	return nil, fmt.Errorf("%w: unsupported !include node kind", errs.ErrConfig)
}

func includeFile(path string, guard *includeGuard) (*yaml.Node, error) {
	doc, err := loadNode(path, guard)
	if err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}, nil
	}
	return doc.Content[0], nil
}
