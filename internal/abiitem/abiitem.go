// Package abiitem models the event section of a contract ABI: items, inputs
// with nested tuple components, and the decoded parameter tokens of a log.
package abiitem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidABI        = errors.New("abiitem: invalid abi")
	ErrEventNotFound     = errors.New("abiitem: event not found")
	ErrParameterNotFound = errors.New("abiitem: parameter not found")
)

// Input is one ABI parameter. Tuple parameters carry their fields in
// Components.
type Input struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	InternalType string  `json:"internalType,omitempty"`
	Indexed      bool    `json:"indexed,omitempty"`
	Components   []Input `json:"components,omitempty"`
}

// IsTuple reports whether the input is a single (non-array) tuple.
func (in Input) IsTuple() bool { return in.Type == "tuple" }

// TopicHashed reports whether the log carries only the keccak hash of the
// input: indexed strings, bytes, arrays and tuples.
func (in Input) TopicHashed() bool {
	if !in.Indexed {
		return false
	}
	t := strings.TrimSpace(in.Type)
	return t == "string" || t == "bytes" || strings.HasPrefix(t, "tuple") || strings.HasSuffix(t, "]")
}

type Item struct {
	Type      string  `json:"type"`
	Name      string  `json:"name,omitempty"`
	Inputs    []Input `json:"inputs,omitempty"`
	Anonymous bool    `json:"anonymous,omitempty"`
}

func (it Item) IsEvent() bool { return it.Type == "event" }

// ABI is a parsed contract ABI. Items keep declaration order; the
// go-ethereum form is retained for log decoding.
type ABI struct {
	Items []Item

	eth abi.ABI
}

// ParseJSON parses a standard JSON ABI document. The document must also be
// accepted by go-ethereum's parser so that every event can be decoded.
func ParseJSON(data []byte) (*ABI, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidABI, err)
	}
	eth, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidABI, err)
	}
	return &ABI{Items: items, eth: eth}, nil
}

// Events returns the event items in declaration order.
func (a *ABI) Events() []Item {
	if a == nil {
		return nil
	}
	return Events(a.Items)
}

// EventByTopic finds the non-anonymous event whose signature hash is topic.
func (a *ABI) EventByTopic(topic common.Hash) (Item, abi.Event, error) {
	if a == nil {
		return Item{}, abi.Event{}, fmt.Errorf("%w: nil abi", ErrEventNotFound)
	}
	ev, err := a.eth.EventByID(topic)
	if err != nil {
		return Item{}, abi.Event{}, fmt.Errorf("%w: topic %s", ErrEventNotFound, topic)
	}
	it, err := FindEvent(a.Items, ev.RawName)
	if err != nil {
		return Item{}, abi.Event{}, err
	}
	return it, *ev, nil
}

// Event returns the decoder for the named non-anonymous event.
func (a *ABI) Event(name string) (abi.Event, error) {
	if a != nil {
		for _, ev := range a.eth.Events {
			if ev.RawName == name && !ev.Anonymous {
				return ev, nil
			}
		}
	}
	return abi.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, name)
}

func Events(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.IsEvent() {
			out = append(out, it)
		}
	}
	return out
}

func FindEvent(items []Item, name string) (Item, error) {
	for _, it := range items {
		if it.IsEvent() && it.Name == name {
			return it, nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrEventNotFound, name)
}

// Parameter is an input resolved through a dotted path such as
// "order.buyer". Path holds the input names from the event root down.
type Parameter struct {
	Input Input
	Path  []string

	// Hashed is set when the column holds the topic hash of Input.
	Hashed bool
}

// ResolveParameter walks a dotted input path inside the named event,
// descending through tuple components.
func ResolveParameter(items []Item, event, path string) (Parameter, error) {
	it, err := FindEvent(items, event)
	if err != nil {
		return Parameter{}, err
	}
	return ResolveInput(it.Inputs, event, path)
}

func ResolveInput(inputs []Input, event, path string) (Parameter, error) {
	if path == "" {
		return Parameter{}, fmt.Errorf("%w: empty path in event %s", ErrParameterNotFound, event)
	}
	parts := strings.Split(path, ".")
	current := inputs
	for i, name := range parts {
		in, ok := findInput(current, name)
		if !ok {
			return Parameter{}, fmt.Errorf("%w: %s not found in event %s", ErrParameterNotFound, strings.Join(parts[:i+1], "."), event)
		}
		if i == len(parts)-1 {
			return Parameter{Input: in, Path: parts, Hashed: in.TopicHashed()}, nil
		}
		if in.TopicHashed() {
			return Parameter{}, fmt.Errorf("%w: %s is stored as its topic hash in event %s", ErrParameterNotFound, strings.Join(parts[:i+1], "."), event)
		}
		if !in.IsTuple() || len(in.Components) == 0 {
			return Parameter{}, fmt.Errorf("%w: %s is not a nested structure in event %s", ErrParameterNotFound, strings.Join(parts[:i+1], "."), event)
		}
		current = in.Components
	}
	return Parameter{}, fmt.Errorf("%w: %s in event %s", ErrParameterNotFound, path, event)
}

func findInput(inputs []Input, name string) (Input, bool) {
	for _, in := range inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Leaf is a flattened non-tuple input together with its path from the
// event root.
type Leaf struct {
	Input  Input
	Path   []string
	Hashed bool
}

// Flatten expands tuple inputs depth-first into their leaf fields, in the
// order they appear in the event signature. Topic-hashed inputs stay one
// leaf.
func Flatten(inputs []Input) []Leaf {
	return flatten(inputs, nil)
}

func flatten(inputs []Input, prefix []string) []Leaf {
	var out []Leaf
	for _, in := range inputs {
		path := append(append([]string{}, prefix...), in.Name)
		if in.TopicHashed() {
			out = append(out, Leaf{Input: in, Path: path, Hashed: true})
			continue
		}
		if in.IsTuple() {
			out = append(out, flatten(in.Components, path)...)
			continue
		}
		out = append(out, Leaf{Input: in, Path: path})
	}
	return out
}
