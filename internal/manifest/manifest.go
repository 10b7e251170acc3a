// Package manifest loads the YAML indexer manifest: contracts with their ABI
// files and deployments, plus the PostgreSQL storage options.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rindexer/rindexer-pg/internal/abiitem"
	"github.com/rindexer/rindexer-pg/internal/indexes"
	"github.com/rindexer/rindexer-pg/internal/relationship"
	"github.com/rindexer/rindexer-pg/internal/schema"
	"gopkg.in/yaml.v3"
)

var ErrInvalidManifest = errors.New("manifest: invalid manifest")

type Manifest struct {
	Name      string     `yaml:"name"`
	Contracts []Contract `yaml:"contracts"`
	Storage   Storage    `yaml:"storage"`

	abis map[string]*abiitem.ABI
}

type Contract struct {
	Name string `yaml:"name"`
	ABI  string `yaml:"abi"`
	// Filter contracts match an event on any address.
	Filter        bool         `yaml:"filter,omitempty"`
	IncludeEvents []string     `yaml:"include_events,omitempty"`
	Details       []Deployment `yaml:"details"`
}

type Deployment struct {
	Network string `yaml:"network"`
	Address string `yaml:"address,omitempty"`
}

type Storage struct {
	Postgres Postgres `yaml:"postgres"`
}

type Postgres struct {
	Enabled             bool           `yaml:"enabled"`
	DisableCreateTables bool           `yaml:"disable_create_tables,omitempty"`
	Relationships       []ForeignKey   `yaml:"relationships,omitempty"`
	Indexes             *IndexSettings `yaml:"indexes,omitempty"`
}

type ForeignKey struct {
	ContractName   string `yaml:"contract_name"`
	EventName      string `yaml:"event_name"`
	EventInputName string `yaml:"event_input_name"`
	LinkedTo       []Link `yaml:"linked_to"`
}

type Link struct {
	ContractName   string `yaml:"contract_name"`
	EventName      string `yaml:"event_name"`
	EventInputName string `yaml:"event_input_name"`
}

type IndexSettings struct {
	GlobalInjectedParameters []string         `yaml:"global_injected_parameters,omitempty"`
	Contracts                []ContractIndexes `yaml:"contracts,omitempty"`
}

type ContractIndexes struct {
	Name               string         `yaml:"name"`
	InjectedParameters []string       `yaml:"injected_parameters,omitempty"`
	Events             []EventIndexes `yaml:"events,omitempty"`
}

type EventIndexes struct {
	Name               string           `yaml:"name"`
	InjectedParameters []string         `yaml:"injected_parameters,omitempty"`
	Indexes            []CompositeIndex `yaml:"indexes,omitempty"`
}

type CompositeIndex struct {
	EventInputNames []string `yaml:"event_input_names"`
}

// Load reads the manifest at path and the ABI files it references. ABI paths
// are relative to the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data, func(p string) ([]byte, error) {
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(path), p)
		}
		return os.ReadFile(p)
	})
}

// Parse decodes and validates a manifest. readABI returns the contents of a
// contract's abi path.
func Parse(data []byte, readABI func(path string) ([]byte, error)) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	m.abis = make(map[string]*abiitem.ABI, len(m.Contracts))
	for _, c := range m.Contracts {
		raw, err := readABI(c.ABI)
		if err != nil {
			return nil, fmt.Errorf("manifest: contract %s: read abi: %w", c.Name, err)
		}
		a, err := abiitem.ParseJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("manifest: contract %s: %w", c.Name, err)
		}
		for _, name := range c.IncludeEvents {
			if _, err := abiitem.FindEvent(a.Items, name); err != nil {
				return nil, fmt.Errorf("%w: contract %s: include_events: %v", ErrInvalidManifest, c.Name, err)
			}
		}
		m.abis[c.Name] = a
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidManifest)
	}
	seen := make(map[string]bool, len(m.Contracts))
	for i, c := range m.Contracts {
		if c.Name == "" {
			return fmt.Errorf("%w: contracts[%d]: name is required", ErrInvalidManifest, i)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate contract %s", ErrInvalidManifest, c.Name)
		}
		seen[c.Name] = true
		if c.ABI == "" {
			return fmt.Errorf("%w: contract %s: abi is required", ErrInvalidManifest, c.Name)
		}
		if len(c.Details) == 0 {
			return fmt.Errorf("%w: contract %s: at least one network is required", ErrInvalidManifest, c.Name)
		}
		for _, d := range c.Details {
			if d.Network == "" {
				return fmt.Errorf("%w: contract %s: empty network", ErrInvalidManifest, c.Name)
			}
			switch {
			case d.Address == "" && !c.Filter:
				return fmt.Errorf("%w: contract %s on %s: address is required", ErrInvalidManifest, c.Name, d.Network)
			case d.Address != "" && !common.IsHexAddress(d.Address):
				return fmt.Errorf("%w: contract %s on %s: bad address %q", ErrInvalidManifest, c.Name, d.Network, d.Address)
			}
		}
	}
	return nil
}

// ABI returns the parsed ABI of the named contract.
func (m *Manifest) ABI(contract string) *abiitem.ABI { return m.abis[contract] }

// SchemaContracts lists the contracts with the events that get tables.
func (m *Manifest) SchemaContracts() []schema.Contract {
	out := make([]schema.Contract, 0, len(m.Contracts))
	for _, c := range m.Contracts {
		out = append(out, m.schemaContract(c))
	}
	return out
}

func (m *Manifest) schemaContract(c Contract) schema.Contract {
	var events []abiitem.Item
	for _, ev := range m.abis[c.Name].Events() {
		if len(c.IncludeEvents) == 0 || slices.Contains(c.IncludeEvents, ev.Name) {
			events = append(events, ev)
		}
	}
	var networks []string
	for _, d := range c.Details {
		if !slices.Contains(networks, d.Network) {
			networks = append(networks, d.Network)
		}
	}
	return schema.Contract{Name: c.Name, Filter: c.Filter, Networks: networks, Events: events}
}

func (m *Manifest) ForeignKeys() []relationship.ForeignKey {
	rels := m.Storage.Postgres.Relationships
	if len(rels) == 0 {
		return nil
	}
	out := make([]relationship.ForeignKey, 0, len(rels))
	for _, r := range rels {
		fk := relationship.ForeignKey{Contract: r.ContractName, Event: r.EventName, Input: r.EventInputName}
		for _, l := range r.LinkedTo {
			fk.Links = append(fk.Links, relationship.Link{Contract: l.ContractName, Event: l.EventName, Input: l.EventInputName})
		}
		out = append(out, fk)
	}
	return out
}

// IndexConfig is the configured index set; ok is false when the manifest
// has no indexes section.
func (m *Manifest) IndexConfig() (cfg indexes.Config, ok bool) {
	ix := m.Storage.Postgres.Indexes
	if ix == nil {
		return indexes.Config{}, false
	}
	cfg.GlobalInjected = ix.GlobalInjectedParameters
	for _, c := range ix.Contracts {
		cc := indexes.ContractConfig{Name: c.Name, Injected: c.InjectedParameters}
		for _, ev := range c.Events {
			ec := indexes.EventConfig{Name: ev.Name, Injected: ev.InjectedParameters}
			for _, comp := range ev.Indexes {
				ec.Composite = append(ec.Composite, comp.EventInputNames)
			}
			cc.Events = append(cc.Events, ec)
		}
		cfg.Contracts = append(cfg.Contracts, cc)
	}
	return cfg, true
}

// Binding is a contract deployment the sink matches logs against.
type Binding struct {
	Contract schema.Contract
	ABI      *abiitem.ABI
	Network  string
	// Address is the zero address for filter contracts.
	Address common.Address
}

func (b Binding) Any() bool { return b.Address == (common.Address{}) }

func (m *Manifest) Bindings() []Binding {
	var out []Binding
	for _, c := range m.Contracts {
		sc := m.schemaContract(c)
		for _, d := range c.Details {
			b := Binding{Contract: sc, ABI: m.abis[c.Name], Network: d.Network}
			if d.Address != "" {
				b.Address = common.HexToAddress(d.Address)
			}
			out = append(out, b)
		}
	}
	return out
}
