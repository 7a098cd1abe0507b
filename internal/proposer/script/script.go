package script

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	storageio "github.com/slok/autopilot/internal/storage/io"
)

// AnyStep is the script key used for steps without their own batches.
const AnyStep = "*"

// Script is the YAML document a scripted proposer follows.
type Script struct {
	// Plan is returned by the planner, optional.
	Plan *storageio.PlanConfig `yaml:"plan,omitempty"`
	// Steps are the ordered batches proposed for each step id.
	Steps map[string][]BatchConfig `yaml:"steps"`
}

// BatchConfig is a single proposal.
type BatchConfig struct {
	Rationale string           `yaml:"rationale,omitempty"`
	Message   string           `yaml:"message,omitempty"`
	Actions   []map[string]any `yaml:"actions"`
}

// ProposerConfig is the scripted proposer configuration.
type ProposerConfig struct {
	// FS and Path locate the script, Data can be used instead.
	FS     fs.FS
	Path   string
	Data   []byte
	Logger log.Logger
}

func (c *ProposerConfig) defaults() error {
	if c.Data == nil && (c.FS == nil || c.Path == "") {
		return fmt.Errorf("script data or fs and path are required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "script.Proposer"})
	return nil
}

// Proposer is a deterministic proposer that replays scripted batches. Every
// call consumes the next batch of the step, repair steps share the batches of
// the step they repair. When batches run out an empty proposal is returned.
type Proposer struct {
	plan    *storageio.PlanConfig
	batches map[string][]proposer.Proposal
	logger  log.Logger

	mu     sync.Mutex
	cursor map[string]int
}

// NewProposer loads a script.
func NewProposer(cfg ProposerConfig) (*Proposer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	data := cfg.Data
	if data == nil {
		d, err := fs.ReadFile(cfg.FS, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("could not read script: %w", err)
		}
		data = d
	}

	s, err := Parse(data)
	if err != nil {
		return nil, err
	}

	batches := map[string][]proposer.Proposal{}
	for step, bs := range s.Steps {
		for i, b := range bs {
			p, err := b.toProposal()
			if err != nil {
				return nil, fmt.Errorf("step %q batch %d: %w", step, i, err)
			}
			batches[step] = append(batches[step], p)
		}
	}

	return &Proposer{
		plan:    s.Plan,
		batches: batches,
		logger:  cfg.Logger,
		cursor:  map[string]int{},
	}, nil
}

// Parse decodes a script document.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &s, nil
}

func (b BatchConfig) toProposal() (proposer.Proposal, error) {
	p := proposer.Proposal{Rationale: b.Rationale, Message: b.Message, Actions: []model.ActionEnvelope{}}
	for i, raw := range b.Actions {
		// YAML maps are converted to JSON to reuse the action decoding.
		data, err := json.Marshal(raw)
		if err != nil {
			return p, fmt.Errorf("action %d can't be encoded: %w", i, err)
		}
		a, err := model.UnmarshalAction(data)
		if err != nil {
			return p, fmt.Errorf("action %d: %w", i, err)
		}
		p.Actions = append(p.Actions, model.ActionEnvelope{Action: a})
	}
	return p, nil
}

var (
	_ proposer.Proposer = &Proposer{}
	_ proposer.Planner  = &Proposer{}
)

// Propose satisfies proposer.Proposer.
func (p *Proposer) Propose(ctx context.Context, req proposer.Request, onChunk proposer.ChunkFunc) (*proposer.Proposal, error) {
	key := p.key(req.Step)

	p.mu.Lock()
	i := p.cursor[key]
	batches := p.batches[key]
	if i < len(batches) {
		p.cursor[key] = i + 1
	}
	p.mu.Unlock()

	if i >= len(batches) {
		p.logger.Debugf("No batches left for step %s", req.Step.ID)
		return &proposer.Proposal{Actions: []model.ActionEnvelope{}, Message: "nothing left to propose"}, nil
	}

	prop := batches[i]
	prop.Actions = append([]model.ActionEnvelope(nil), prop.Actions...)
	if onChunk != nil && prop.Rationale != "" {
		onChunk(prop.Rationale)
	}

	return &prop, nil
}

// Plan satisfies proposer.Planner.
func (p *Proposer) Plan(ctx context.Context, goal string) (*model.Plan, error) {
	if p.plan == nil {
		return nil, fmt.Errorf("script has no plan: %w", model.ErrNotFound)
	}
	plan := p.plan.ToModel(goal)
	return &plan, nil
}

func (p *Proposer) key(s model.Step) string {
	for _, k := range []string{s.ID, s.RepairOf} {
		if _, ok := p.batches[k]; ok && k != "" {
			return k
		}
	}
	return AnyStep
}
