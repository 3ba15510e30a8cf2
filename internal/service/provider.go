package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/ppiankov/impetus/internal/decision"
	"github.com/ppiankov/impetus/internal/engine"
	"github.com/ppiankov/impetus/internal/model"
)

// Input is a validated decision request.
type Input struct {
	Context string
	Mode    model.Mode
	Meta    decision.Meta
}

// Cursor is the document offset the context ends at.
func (in Input) Cursor() int { return in.Meta.SelectionTo }

// Provider chooses an intervention. The service fills ids and enforces the
// mode rules on whatever a provider returns.
type Provider interface {
	Name() string
	Generate(ctx context.Context, in Input) (decision.Response, error)
}

// ProviderError is a provider failure with the HTTP status the service
// answers with.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DeleteShare is the fraction of chaotic decisions the heuristic provider
// turns into deletes.
const DeleteShare = 0.4

var provocations = []string{
	"What if the last thing you wrote never happened?",
	"Someone in this scene is lying. Who?",
	"Write the next paragraph from the point of view of the object nearest the door.",
	"It is three years later. What changed?",
	"Your character wants the opposite of what you think they want.",
	"Remove the safest sentence you have written today.",
}

var provocationsHan = []string{
	"如果你刚写下的这件事从未发生过呢？",
	"这一幕里有人在说谎。是谁？",
	"从离门最近的那件东西的视角写下一段。",
	"三年后，什么变了？",
	"你的角色想要的，恰好与你以为的相反。",
}

// Heuristic is the built-in provider. Primary mode always provokes; chaotic
// mode deletes the last sentence before the cursor with probability
// DeleteShare.
type Heuristic struct {
	tok engine.Tokenizer

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewHeuristic creates a heuristic provider seeded with seed.
func NewHeuristic(seed uint64) *Heuristic {
	return &Heuristic{
		tok: engine.SentenceTokenizer{},
		rnd: rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Name implements Provider.
func (h *Heuristic) Name() string { return "heuristic" }

// Generate implements Provider.
func (h *Heuristic) Generate(_ context.Context, in Input) (decision.Response, error) {
	h.mu.Lock()
	roll := h.rnd.Float64()
	pick := h.rnd.IntN(len(provocations) * len(provocationsHan))
	h.mu.Unlock()

	if in.Mode == model.ModeChaotic && roll < DeleteShare {
		if a, ok := lastSentenceRange(h.tok, in.Context, in.Cursor()); ok {
			return decision.Response{Action: string(model.Delete), Anchor: a}, nil
		}
	}
	return decision.Response{
		Action:  string(model.Provoke),
		Content: provocation(in.Mode, in.Context, pick),
	}, nil
}

func provocation(mode model.Mode, context string, pick int) string {
	list := provocations
	if hasHan(context) {
		list = provocationsHan
	}
	return fmt.Sprintf("> [impetus:%s] %s", mode, list[pick%len(list)])
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// lastSentenceRange returns a range anchor over the last non-blank sentence
// of context, taking context to end at cursor.
func lastSentenceRange(tok engine.Tokenizer, context string, cursor int) (*model.Anchor, bool) {
	pieces := tok.Split(context)
	for i := len(pieces) - 1; i >= 0; i-- {
		if strings.TrimSpace(pieces[i]) == "" {
			continue
		}
		n := 0
		for _, p := range pieces[i:] {
			n += utf8.RuneCountInString(p)
		}
		from := cursor - n
		if from < 0 {
			from = 0
		}
		if from >= cursor {
			return nil, false
		}
		return model.RangeAnchor(from, cursor), true
	}
	return nil, false
}
