// Package script holds demo scripts: ordered, immutable narration+action steps
// grouped into named sections.
package script

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vango-go/demo-copilot/pkg/core"
)

type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionClick      ActionKind = "click"
	ActionType       ActionKind = "type"
	ActionScroll     ActionKind = "scroll"
	ActionWait       ActionKind = "wait"
	ActionScreenshot ActionKind = "screenshot"
)

// Action is one browser interaction.
type Action struct {
	Kind        ActionKind `yaml:"kind" json:"kind"`
	Target      string     `yaml:"target,omitempty" json:"target,omitempty"`
	Value       string     `yaml:"value,omitempty" json:"value,omitempty"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`

	// Idempotent overrides the per-kind default.
	Idempotent *bool `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
}

// IsIdempotent reports whether repeating the action is harmless. Clicks and
// typing change page state and are not idempotent unless the script says so.
func (a Action) IsIdempotent() bool {
	if a.Idempotent != nil {
		return *a.Idempotent
	}
	switch a.Kind {
	case ActionClick, ActionType:
		return false
	default:
		return true
	}
}

// WaitDuration parses the value of a wait action.
func (a Action) WaitDuration() (time.Duration, error) {
	v := strings.TrimSpace(a.Value)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// ScrollDelta parses the value of a scroll action as pixels.
func (a Action) ScrollDelta() (int, error) {
	v := strings.TrimSpace(a.Value)
	if v == "" {
		return 300, nil
	}
	return strconv.Atoi(v)
}

func (a Action) String() string {
	if a.Description != "" {
		return fmt.Sprintf("%s %s", a.Kind, a.Description)
	}
	if a.Target != "" {
		return fmt.Sprintf("%s %s", a.Kind, a.Target)
	}
	return string(a.Kind)
}

func (a Action) validate() error {
	switch a.Kind {
	case ActionNavigate, ActionClick, ActionType:
		if strings.TrimSpace(a.Target) == "" {
			return fmt.Errorf("%s action requires a target", a.Kind)
		}
	case ActionScroll:
		if _, err := a.ScrollDelta(); err != nil {
			return fmt.Errorf("scroll value: %w", err)
		}
	case ActionWait:
		d, err := a.WaitDuration()
		if err != nil {
			return fmt.Errorf("wait value: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("wait value must be >= 0")
		}
	case ActionScreenshot:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Step is one narration+action unit.
type Step struct {
	Index         int      `json:"index"`
	Section       string   `json:"section"`
	Narration     string   `json:"narration"`
	Actions       []Action `json:"actions,omitempty"`
	Outro         string   `json:"outro,omitempty"`
	Interruptible bool     `json:"interruptible"`
}

// Script is an ordered list of steps for one product. A loaded Script is never
// mutated; Personalize returns a new one.
type Script struct {
	Product  string
	Title    string
	BaseURL  string
	Facts    core.ProductFacts
	Greeting string
	Closing  string
	Steps    []Step

	sections []string
	starts   map[string]int
}

type scriptDoc struct {
	Product  string            `yaml:"product"`
	Title    string            `yaml:"title"`
	BaseURL  string            `yaml:"base_url"`
	Facts    core.ProductFacts `yaml:"facts"`
	Greeting string            `yaml:"greeting"`
	Closing  string            `yaml:"closing"`
	Steps    []stepDoc         `yaml:"steps"`
}

type stepDoc struct {
	Section       string   `yaml:"section"`
	Narration     string   `yaml:"narration"`
	Actions       []Action `yaml:"actions"`
	Outro         string   `yaml:"outro"`
	Interruptible *bool    `yaml:"interruptible"`
}

// Parse decodes a YAML script document and validates it.
func Parse(data []byte) (*Script, error) {
	var doc scriptDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}

	s := &Script{
		Product:  strings.TrimSpace(doc.Product),
		Title:    doc.Title,
		BaseURL:  strings.TrimSpace(doc.BaseURL),
		Facts:    doc.Facts,
		Greeting: strings.TrimSpace(doc.Greeting),
		Closing:  strings.TrimSpace(doc.Closing),
		Steps:    make([]Step, 0, len(doc.Steps)),
	}
	for _, sd := range doc.Steps {
		interruptible := true
		if sd.Interruptible != nil {
			interruptible = *sd.Interruptible
		}
		s.Steps = append(s.Steps, Step{
			Section:       strings.TrimSpace(sd.Section),
			Narration:     strings.TrimSpace(sd.Narration),
			Actions:       sd.Actions,
			Outro:         strings.TrimSpace(sd.Outro),
			Interruptible: interruptible,
		})
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// New builds a script from steps, assigning indices. Used by tests and by
// callers that assemble scripts in code.
func New(product string, facts core.ProductFacts, steps []Step) (*Script, error) {
	s := &Script{
		Product: product,
		Facts:   facts,
		Steps:   append([]Step(nil), steps...),
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Script) init() error {
	if s.Product == "" {
		return fmt.Errorf("script product must not be empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("script %q has no steps", s.Product)
	}
	s.sections = s.sections[:0]
	s.starts = make(map[string]int)
	prev := ""
	for i := range s.Steps {
		st := &s.Steps[i]
		st.Index = i
		if st.Section == "" {
			return fmt.Errorf("script %q step %d: section must not be empty", s.Product, i)
		}
		for j, a := range st.Actions {
			if err := a.validate(); err != nil {
				return fmt.Errorf("script %q step %d action %d: %w", s.Product, i, j, err)
			}
		}
		if st.Section == prev {
			continue
		}
		if _, seen := s.starts[st.Section]; seen {
			return fmt.Errorf("script %q step %d: section %q is not contiguous", s.Product, i, st.Section)
		}
		s.starts[st.Section] = i
		s.sections = append(s.sections, st.Section)
		prev = st.Section
	}
	return nil
}

func (s *Script) Len() int {
	return len(s.Steps)
}

// Sections returns section names in script order.
func (s *Script) Sections() []string {
	return append([]string(nil), s.sections...)
}

// FirstStepOf returns the index of the first step of section.
func (s *Script) FirstStepOf(section string) (int, bool) {
	i, ok := s.starts[section]
	return i, ok
}

// SectionOf returns the section name of step i, or "" when out of range.
func (s *Script) SectionOf(i int) string {
	if i < 0 || i >= len(s.Steps) {
		return ""
	}
	return s.Steps[i].Section
}

// ResolveURL resolves a navigate target against the script's base URL.
func (s *Script) ResolveURL(target string) string {
	target = strings.TrimSpace(target)
	if s.BaseURL == "" {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil || ref.IsAbs() {
		return target
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return target
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(&url.URL{Path: strings.TrimPrefix(ref.Path, "/"), RawQuery: ref.RawQuery, Fragment: ref.Fragment}).String()
}

type templateData struct {
	Customer core.CustomerInfo
	Product  core.ProductFacts
}

var templateFuncs = template.FuncMap{
	"env": func(name, fallback string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return fallback
	},
}

// Personalize renders the script's templated text for a customer. The greeting
// is folded into the first step's narration and the closing into the last
// step's outro.
func (s *Script) Personalize(customer core.CustomerInfo) (*Script, error) {
	data := templateData{Customer: customer, Product: s.Facts}
	render := func(field, text string) (string, error) {
		if !strings.Contains(text, "{{") {
			return text, nil
		}
		tmpl, err := template.New(field).Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", core.Wrap(core.KindConfiguration, err, fmt.Sprintf("script %q: parse %s", s.Product, field))
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", core.Wrap(core.KindConfiguration, err, fmt.Sprintf("script %q: render %s", s.Product, field))
		}
		return strings.TrimSpace(buf.String()), nil
	}

	out := &Script{
		Product: s.Product,
		Title:   s.Title,
		Facts:   s.Facts,
		Steps:   make([]Step, len(s.Steps)),
	}
	var err error
	if out.BaseURL, err = render("base_url", s.BaseURL); err != nil {
		return nil, err
	}
	if out.Greeting, err = render("greeting", s.Greeting); err != nil {
		return nil, err
	}
	if out.Closing, err = render("closing", s.Closing); err != nil {
		return nil, err
	}
	for i, st := range s.Steps {
		ns := st
		if ns.Narration, err = render(fmt.Sprintf("steps[%d].narration", i), st.Narration); err != nil {
			return nil, err
		}
		if ns.Outro, err = render(fmt.Sprintf("steps[%d].outro", i), st.Outro); err != nil {
			return nil, err
		}
		ns.Actions = make([]Action, len(st.Actions))
		for j, a := range st.Actions {
			na := a
			if na.Target, err = render(fmt.Sprintf("steps[%d].actions[%d].target", i, j), a.Target); err != nil {
				return nil, err
			}
			if na.Value, err = render(fmt.Sprintf("steps[%d].actions[%d].value", i, j), a.Value); err != nil {
				return nil, err
			}
			ns.Actions[j] = na
		}
		out.Steps[i] = ns
	}
	if out.Greeting != "" {
		out.Steps[0].Narration = joinSentences(out.Greeting, out.Steps[0].Narration)
	}
	if out.Closing != "" {
		last := len(out.Steps) - 1
		out.Steps[last].Outro = joinSentences(out.Steps[last].Outro, out.Closing)
	}
	if err := out.init(); err != nil {
		return nil, core.Wrap(core.KindConfiguration, err, "personalize script")
	}
	return out, nil
}

func joinSentences(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
