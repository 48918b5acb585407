package quentin

import (
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// InputSource is what an extractor needs to score a submission
type InputSource int

const (
	// SourceText extractors read the message text
	SourceText InputSource = iota

	// SourceOCR extractors read the OCR'd text of the single attachment
	SourceOCR

	// SourceImage extractors analyze the decoded attachment
	SourceImage
)

func (s InputSource) String() string {
	switch s {
	case SourceText:
		return "text"
	case SourceOCR:
		return "ocr"
	case SourceImage:
		return "image"
	default:
		return fmt.Sprintf("InputSource(%d)", int(s))
	}
}

// ExtractionInput carries the resolved attachment content for
// OCR and image-based games
type ExtractionInput struct {
	OCRText string
	Image   image.Image
}

// ScoreExtractor converts a submission into points for a single game.
// Implementations must not mutate shared state.
type ScoreExtractor interface {
	Game() GameID
	Source() InputSource

	// Extract returns the points earned, or false if the submission
	// couldn't be scored
	Extract(sub Submission, in ExtractionInput) (int, bool)
}

// PointTier awards Points for scores below Below
type PointTier struct {
	Below  int `json:"below" yaml:"below"`
	Points int `json:"points" yaml:"points"`
}

// PointTable maps a raw score to points. Tiers are checked in order,
// and the first tier whose Below bound exceeds the score wins.
// Scores matching no tier earn Default.
type PointTable struct {
	Tiers   []PointTier `json:"tiers" yaml:"tiers"`
	Default int         `json:"default" yaml:"default"`
}

func (p PointTable) Points(score int) int {
	for _, t := range p.Tiers {
		if score < t.Below {
			return t.Points
		}
	}
	return p.Default
}

// Registry maps game IDs and aliases to extractors
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]ScoreExtractor
	families   map[string]ScoreExtractor
}

func NewRegistry() *Registry {
	return &Registry{
		extractors: map[string]ScoreExtractor{},
		families:   map[string]ScoreExtractor{},
	}
}

// Register adds an extractor under its game ID and any aliases
func (r *Registry) Register(e ScoreExtractor, aliases ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string{string(e.Game())}, aliases...)
	for _, name := range names {
		key := normalizeGameName(name)
		if key == "" {
			return fmt.Errorf("invalid game name: %q", name)
		}
		if existing, ok := r.extractors[key]; ok && existing.Game() != e.Game() {
			return fmt.Errorf(
				"game name %q already registered to %q",
				name,
				existing.Game(),
			)
		}
		r.extractors[key] = e
	}
	return nil
}

// RegisterFamily makes any game ID containing name resolve to the
// extractor, ex: "Globle: Capitals" for the "globle" family
func (r *Registry) RegisterFamily(name string, e ScoreExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[normalizeGameName(name)] = e
}

// Lookup returns the extractor for the game, matching exact names and
// aliases first (ignoring case, whitespace and punctuation), then
// family names by substring.
func (r *Registry) Lookup(game GameID) (ScoreExtractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := normalizeGameName(string(game))
	if key == "" {
		return nil, &UnknownGameError{GameID: game}
	}
	if e, ok := r.extractors[key]; ok {
		return e, nil
	}

	// longest family name wins, so matching is deterministic
	families := make([]string, 0, len(r.families))
	for name := range r.families {
		families = append(families, name)
	}
	sort.Slice(
		families, func(i, j int) bool {
			if len(families[i]) != len(families[j]) {
				return len(families[i]) > len(families[j])
			}
			return families[i] < families[j]
		},
	)
	for _, name := range families {
		if strings.Contains(key, name) {
			return r.families[name], nil
		}
	}
	return nil, &UnknownGameError{GameID: game}
}

// Games returns the registered game IDs, sorted
func (r *Registry) Games() []GameID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[GameID]struct{}{}
	for _, e := range r.extractors {
		seen[e.Game()] = struct{}{}
	}
	games := make([]GameID, 0, len(seen))
	for g := range seen {
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool { return games[i] < games[j] })
	return games
}

// DefaultRegistry returns a registry with every supported game, using
// the default point tables
func DefaultRegistry() *Registry {
	r := NewRegistry()
	globle := NewGlobleExtractor()
	for _, reg := range []struct {
		e       ScoreExtractor
		aliases []string
	}{
		{New2048Extractor(), nil},
		{NewWordleExtractor(), nil},
		{NewWorldleExtractor(), nil},
		{globle, []string{"globle capitals"}},
		{NewDinosaurExtractor(), []string{"dino", "chrome dino", "t-rex"}},
		{NewEdgeSurferExtractor(), []string{"edge surf", "surf"}},
		{NewSlitherExtractor(), []string{"slither"}},
		{NewConnectionsExtractor(), nil},
		{NewSemantleExtractor(), nil},
		{NewTetrioExtractor(), []string{"tetrio"}},
		{NewSuikaExtractor(), []string{"suika game", "watermelon game"}},
	} {
		if err := r.Register(reg.e, reg.aliases...); err != nil {
			panic(err)
		}
	}
	r.RegisterFamily("globle", globle)
	return r
}

// normalizeGameName lowercases the name and strips everything but
// letters and digits
func normalizeGameName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
