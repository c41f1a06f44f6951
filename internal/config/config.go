// Package config reads the YAML machine description used by cmd/minivmm.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/minivmm/internal/hv"
)

const (
	DefaultFilename = "minivmm.yaml"

	// SupportedMajor is the machine file format this build reads.
	SupportedMajor = "v1"

	DefaultMemorySize = 64 << 20
	DefaultColumns    = 80
	DefaultRows       = 40

	FormatELF = "elf"
	FormatBin = "bin"
)

var ErrUnsupportedVersion = errors.New("unsupported machine file version")

// Machine describes one guest.
type Machine struct {
	Version string `yaml:"version"`
	Name    string `yaml:"name,omitempty"`

	Memory  []Span        `yaml:"memory"`
	Kernel  Kernel        `yaml:"kernel"`
	Console Console       `yaml:"console,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type Span struct {
	Start Quantity `yaml:"start"`
	Size  Quantity `yaml:"size"`
}

type Kernel struct {
	Path        string   `yaml:"path"`
	Format      string   `yaml:"format,omitempty"`
	LoadAddress Quantity `yaml:"loadAddress,omitempty"`
	ZeroBSS     bool     `yaml:"zeroBSS,omitempty"`
}

type Console struct {
	Screen  bool `yaml:"screen,omitempty"`
	Columns int  `yaml:"columns,omitempty"`
	Rows    int  `yaml:"rows,omitempty"`
}

// Quantity is an address or size. It accepts plain or 0x-prefixed integers
// and the binary suffixes K, M and G (optionally followed by "iB").
type Quantity uint64

func (q *Quantity) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number, got %s", node.Line, nodeKind(node.Kind))
	}

	v, err := ParseQuantity(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*q = Quantity(v)
	return nil
}

func (q Quantity) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(q)), nil
}

func ParseQuantity(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	t := strings.TrimSuffix(s, "iB")

	shift := 0
	switch {
	case strings.HasSuffix(t, "K"):
		shift = 10
	case strings.HasSuffix(t, "M"):
		shift = 20
	case strings.HasSuffix(t, "G"):
		shift = 30
	}
	if shift != 0 {
		t = t[:len(t)-1]
	} else if t != s {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}

	v, err := strconv.ParseUint(strings.ReplaceAll(t, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	if shift != 0 && v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("quantity %q overflows", s)
	}
	return v << shift, nil
}

func nodeKind(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}

// DefaultLoadAddress is where raw binaries go when the file does not say.
func DefaultLoadAddress(arch hv.CpuArchitecture) uint64 {
	if arch == hv.ArchitectureARM64 {
		return 0x80000000
	}
	return 0x10000
}

// DefaultMemoryBase is the start of the default memory span.
func DefaultMemoryBase(arch hv.CpuArchitecture) uint64 {
	if arch == hv.ArchitectureARM64 {
		return 0x80000000
	}
	return 0
}

// FormatFor guesses an image format from its file name: ".bin" files are raw
// binaries, everything else is ELF.
func FormatFor(path string) string {
	if strings.HasSuffix(path, ".bin") {
		return FormatBin
	}
	return FormatELF
}

func (m *Machine) normalize(arch hv.CpuArchitecture) {
	if m.Version == "" {
		m.Version = SupportedMajor
	}
	if !strings.HasPrefix(m.Version, "v") {
		m.Version = "v" + m.Version
	}
	if len(m.Memory) == 0 {
		m.Memory = []Span{{Start: Quantity(DefaultMemoryBase(arch)), Size: DefaultMemorySize}}
	}
	if m.Kernel.Format == "" {
		m.Kernel.Format = FormatFor(m.Kernel.Path)
	}
	if m.Kernel.Format == FormatBin && m.Kernel.LoadAddress == 0 {
		m.Kernel.LoadAddress = Quantity(DefaultLoadAddress(arch))
	}
	if m.Console.Columns == 0 {
		m.Console.Columns = DefaultColumns
	}
	if m.Console.Rows == 0 {
		m.Console.Rows = DefaultRows
	}
}

func (m *Machine) validate() error {
	if !semver.IsValid(m.Version) || semver.Major(m.Version) != SupportedMajor {
		return fmt.Errorf("%w: %q (want %s.x)", ErrUnsupportedVersion, m.Version, SupportedMajor)
	}
	for i, span := range m.Memory {
		if span.Size == 0 {
			return fmt.Errorf("memory[%d]: size is zero", i)
		}
	}
	switch m.Kernel.Format {
	case FormatELF, FormatBin:
	default:
		return fmt.Errorf("kernel: unknown format %q", m.Kernel.Format)
	}
	if m.Console.Columns < 0 || m.Console.Rows < 0 {
		return fmt.Errorf("console: negative size %dx%d", m.Console.Columns, m.Console.Rows)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout: negative duration %s", m.Timeout)
	}
	return nil
}

// Spans converts the memory section for the VMM.
func (m Machine) Spans() []hv.GPASpan {
	spans := make([]hv.GPASpan, 0, len(m.Memory))
	for _, s := range m.Memory {
		spans = append(spans, hv.GPASpan{Start: uint64(s.Start), Size: uint64(s.Size)})
	}
	return spans
}

// Override holds command line settings. Zero fields keep the file's value.
type Override struct {
	KernelPath  string
	Format      string
	LoadAddress uint64
	ZeroBSS     bool

	// Memory replaces every span with one span of this size at the default
	// base for the architecture.
	Memory uint64

	Screen  bool
	Timeout time.Duration
}

// Apply returns m with o laid over it, defaults filled for arch and
// validated again.
func (m Machine) Apply(o Override, arch hv.CpuArchitecture) (Machine, error) {
	m.Memory = append([]Span(nil), m.Memory...)

	if o.KernelPath != "" {
		m.Kernel.Path = o.KernelPath
		if o.Format == "" {
			m.Kernel.Format = FormatFor(o.KernelPath)
		}
	}
	if o.Format != "" {
		m.Kernel.Format = o.Format
	}
	if o.LoadAddress != 0 {
		m.Kernel.LoadAddress = Quantity(o.LoadAddress)
	}
	m.Kernel.ZeroBSS = m.Kernel.ZeroBSS || o.ZeroBSS
	if o.Memory != 0 {
		m.Memory = []Span{{Start: Quantity(DefaultMemoryBase(arch)), Size: Quantity(o.Memory)}}
	}
	m.Console.Screen = m.Console.Screen || o.Screen
	if o.Timeout != 0 {
		m.Timeout = o.Timeout
	}

	m.normalize(arch)
	if err := m.validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// Default is the machine used when no file is given.
func Default(arch hv.CpuArchitecture) Machine {
	var m Machine
	m.normalize(arch)
	return m
}

// Parse decodes, fills defaults for arch and validates a machine file.
func Parse(data []byte, arch hv.CpuArchitecture) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse machine: %w", err)
	}
	m.normalize(arch)
	if err := m.validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

func Load(path string, arch hv.CpuArchitecture) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}

	m, err := Parse(data, arch)
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
