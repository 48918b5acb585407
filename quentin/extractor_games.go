package quentin

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	Game2048        GameID = "2048"
	GameWordle      GameID = "Wordle"
	GameWorldle     GameID = "Worldle"
	GameGloble      GameID = "Globle"
	GameDinosaur    GameID = "Dinosaur Game"
	GameEdgeSurfer  GameID = "Edge Surfer"
	GameSlither     GameID = "Slither.io"
	GameConnections GameID = "Connections"
	GameSemantle    GameID = "Semantle"
	GameTetrio      GameID = "Tetr.io"
	GameSuika       GameID = "Suika"
)

// Default point tables. Constructors copy these, so replacing a
// package-level value only affects extractors created afterward.
var (
	Default2048Points = PointTable{
		Tiers:   []PointTier{{Below: 2500, Points: 3}, {Below: 5000, Points: 5}},
		Default: 10,
	}

	// DefaultWordlePoints awards 10 points for a first-guess solve, and
	// 5 for any other solve. Failed (X/6) attempts aren't scored.
	DefaultWordlePoints = PointTable{
		Tiers:   []PointTier{{Below: 2, Points: 10}},
		Default: 5,
	}

	DefaultWorldlePoints = PointTable{
		Tiers:   []PointTier{{Below: 2, Points: 10}, {Below: 4, Points: 5}},
		Default: 2,
	}

	DefaultGloblePoints = PointTable{
		Tiers:   []PointTier{{Below: 6, Points: 5}, {Below: 11, Points: 3}},
		Default: 1,
	}

	DefaultDinosaurPoints = PointTable{
		Tiers:   []PointTier{{Below: 2000, Points: 10}, {Below: 5000, Points: 20}},
		Default: 30,
	}

	DefaultEdgeSurferPoints = PointTable{
		Tiers:   []PointTier{{Below: 2001, Points: 3}, {Below: 5001, Points: 10}},
		Default: 20,
	}

	DefaultSlitherPoints = PointTable{
		Tiers:   []PointTier{{Below: 2501, Points: 5}, {Below: 5001, Points: 10}},
		Default: 20,
	}

	DefaultSemantlePoints = PointTable{
		Tiers:   []PointTier{{Below: 30, Points: 20}, {Below: 50, Points: 10}},
		Default: 3,
	}

	DefaultTetrioPoints = PointTable{
		Tiers:   []PointTier{{Below: 20001, Points: 5}, {Below: 50001, Points: 10}},
		Default: 20,
	}

	// DefaultWorldleBonusGlyphs are the per-glyph bonuses added to a
	// Worldle score, counted once per occurrence
	DefaultWorldleBonusGlyphs = map[string]int{
		"⭐":  1,
		"🧭":  1,
		"🏙":  1,
		"🪙":  1,
		"🗣":  1,
		"👫":  1,
	}

	// DefaultDinosaurDigitCorrections maps characters OCR commonly
	// confuses with digits on the dinosaur game's pixel font
	DefaultDinosaurDigitCorrections = map[rune]rune{
		'O': '0',
		'o': '0',
		'D': '0',
		'S': '5',
		's': '5',
		'I': '1',
		'l': '1',
		'B': '8',
	}
)

var (
	score2048Pattern     = regexp.MustCompile(`(?i)\bSCORE\b[^\d]{0,20}(\d[\d,.]*)`)
	wordlePattern        = regexp.MustCompile(`(?i)wordle\s+[\d,.]+\s+(?:\S+\s+)?([1-6X])/6`)
	worldlePattern       = regexp.MustCompile(`\)\s+([1-6X])/6\s+\(`)
	globlePattern        = regexp.MustCompile(`=\s*(\d+)`)
	dinosaurPattern      = regexp.MustCompile(`\bHI\b\s*:?\s*([0-9A-Za-z]{1,7})`)
	edgeSurferPattern    = regexp.MustCompile(`(\d[\d,]*)\s?m\b`)
	slitherPattern       = regexp.MustCompile(`(?i)length(?:\s+was)?\s*:?\s*(\d[\d,]*)`)
	semantlePattern      = regexp.MustCompile(`✅\s*(\d[\d,]*)`)
	semantleGaveUp       = regexp.MustCompile(`(?i)❌|gave up`)
	tetrioPattern        = regexp.MustCompile(`\d{1,3}(?:,\d{3})+`)
	connectionsSquares   = []rune{'🟨', '🟩', '🟦', '🟪'}
	connectionsRowLength = 4
)

// firstGroupedInt returns the first capture group of pattern in s,
// parsed as an integer
func firstGroupedInt(pattern *regexp.Regexp, s string) (int, bool) {
	m := pattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0, false
	}
	n, err := parseGroupedInt(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Extractor2048 reads the final score from a 2048 screenshot
type Extractor2048 struct {
	Points PointTable
}

func New2048Extractor() *Extractor2048 {
	return &Extractor2048{Points: Default2048Points}
}

func (Extractor2048) Game() GameID        { return Game2048 }
func (Extractor2048) Source() InputSource { return SourceOCR }

func (e Extractor2048) Extract(_ Submission, in ExtractionInput) (int, bool) {
	score, ok := firstGroupedInt(score2048Pattern, in.OCRText)
	if !ok {
		return 0, false
	}
	return e.Points.Points(score), true
}

// WordleExtractor reads the guess count from a Wordle share message,
// ex: "Wordle 1,234 3/6"
type WordleExtractor struct {
	Points PointTable
}

func NewWordleExtractor() *WordleExtractor {
	return &WordleExtractor{Points: DefaultWordlePoints}
}

func (WordleExtractor) Game() GameID        { return GameWordle }
func (WordleExtractor) Source() InputSource { return SourceText }

func (e WordleExtractor) Extract(sub Submission, _ ExtractionInput) (int, bool) {
	m := wordlePattern.FindStringSubmatch(sub.Text)
	if len(m) < 2 || strings.EqualFold(m[1], "X") {
		return 0, false
	}
	guesses, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return e.Points.Points(guesses), true
}

// WorldleExtractor reads the guess count from a Worldle share message,
// ex: "#Worldle #812 (10.03.2024) 2/6 (100%)", adding a bonus for each
// bonus glyph in the message
type WorldleExtractor struct {
	Points      PointTable
	BonusGlyphs map[string]int
}

func NewWorldleExtractor() *WorldleExtractor {
	glyphs := make(map[string]int, len(DefaultWorldleBonusGlyphs))
	for k, v := range DefaultWorldleBonusGlyphs {
		glyphs[k] = v
	}
	return &WorldleExtractor{Points: DefaultWorldlePoints, BonusGlyphs: glyphs}
}

func (WorldleExtractor) Game() GameID        { return GameWorldle }
func (WorldleExtractor) Source() InputSource { return SourceText }

func (e WorldleExtractor) Extract(sub Submission, _ ExtractionInput) (int, bool) {
	m := worldlePattern.FindStringSubmatch(sub.Text)
	if len(m) < 2 {
		return 0, false
	}
	var points int
	if strings.EqualFold(m[1], "X") {
		points = e.Points.Default
	} else {
		guesses, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		points = e.Points.Points(guesses)
	}
	for glyph, bonus := range e.BonusGlyphs {
		points += strings.Count(sub.Text, glyph) * bonus
	}
	return points, true
}

// GlobleExtractor reads the guess count from a Globle (or Globle:
// Capitals) share message, ex: "🟧🟨🟩 = 3"
type GlobleExtractor struct {
	Points PointTable
}

func NewGlobleExtractor() *GlobleExtractor {
	return &GlobleExtractor{Points: DefaultGloblePoints}
}

func (GlobleExtractor) Game() GameID        { return GameGloble }
func (GlobleExtractor) Source() InputSource { return SourceText }

func (e GlobleExtractor) Extract(sub Submission, _ ExtractionInput) (int, bool) {
	guesses, ok := firstGroupedInt(globlePattern, sub.Text)
	if !ok || guesses < 1 {
		return 0, false
	}
	return e.Points.Points(guesses), true
}

// DinosaurExtractor reads the high score from a chrome dinosaur game
// screenshot, ex: "HI 00527 00312". DigitCorrections is applied to the
// score before it's parsed.
type DinosaurExtractor struct {
	Points           PointTable
	DigitCorrections map[rune]rune
}

func NewDinosaurExtractor() *DinosaurExtractor {
	corrections := make(map[rune]rune, len(DefaultDinosaurDigitCorrections))
	for k, v := range DefaultDinosaurDigitCorrections {
		corrections[k] = v
	}
	return &DinosaurExtractor{
		Points:           DefaultDinosaurPoints,
		DigitCorrections: corrections,
	}
}

func (DinosaurExtractor) Game() GameID        { return GameDinosaur }
func (DinosaurExtractor) Source() InputSource { return SourceOCR }

func (e DinosaurExtractor) Extract(_ Submission, in ExtractionInput) (int, bool) {
	m := dinosaurPattern.FindStringSubmatch(in.OCRText)
	if len(m) < 2 {
		return 0, false
	}
	corrected := strings.Map(
		func(r rune) rune {
			if c, ok := e.DigitCorrections[r]; ok {
				return c
			}
			return r
		},
		m[1],
	)
	score, err := strconv.Atoi(corrected)
	if err != nil {
		return 0, false
	}
	return e.Points.Points(score), true
}

// EdgeSurferExtractor reads the distance from an Edge Surf screenshot,
// ex: "1,234 m"
type EdgeSurferExtractor struct {
	Points PointTable
}

func NewEdgeSurferExtractor() *EdgeSurferExtractor {
	return &EdgeSurferExtractor{Points: DefaultEdgeSurferPoints}
}

func (EdgeSurferExtractor) Game() GameID        { return GameEdgeSurfer }
func (EdgeSurferExtractor) Source() InputSource { return SourceOCR }

func (e EdgeSurferExtractor) Extract(_ Submission, in ExtractionInput) (int, bool) {
	distance, ok := firstGroupedInt(edgeSurferPattern, in.OCRText)
	if !ok {
		return 0, false
	}
	return e.Points.Points(distance), true
}

// SlitherExtractor reads the final length from a slither.io screenshot,
// ex: "Your final length was 6,012"
type SlitherExtractor struct {
	Points PointTable
}

func NewSlitherExtractor() *SlitherExtractor {
	return &SlitherExtractor{Points: DefaultSlitherPoints}
}

func (SlitherExtractor) Game() GameID        { return GameSlither }
func (SlitherExtractor) Source() InputSource { return SourceOCR }

func (e SlitherExtractor) Extract(_ Submission, in ExtractionInput) (int, bool) {
	length, ok := firstGroupedInt(slitherPattern, in.OCRText)
	if !ok {
		return 0, false
	}
	return e.Points.Points(length), true
}

// ConnectionsExtractor scores a Connections share message by its grid
// of colored squares. Each row of four same-colored squares is a solved
// group, and each row of four squares is a guess.
type ConnectionsExtractor struct {
	// PerfectPoints is awarded for solving every group within MaxGuesses
	PerfectPoints int

	// SolvedPoints is awarded for solving every group in more than
	// MaxGuesses
	SolvedPoints int

	// DefaultPoints is awarded otherwise
	DefaultPoints int
	MaxGuesses    int
}

func NewConnectionsExtractor() *ConnectionsExtractor {
	return &ConnectionsExtractor{
		PerfectPoints: 10,
		SolvedPoints:  5,
		DefaultPoints: 3,
		MaxGuesses:    6,
	}
}

func (ConnectionsExtractor) Game() GameID        { return GameConnections }
func (ConnectionsExtractor) Source() InputSource { return SourceText }

func (e ConnectionsExtractor) Extract(sub Submission, _ ExtractionInput) (int, bool) {
	if !strings.Contains(strings.ToLower(sub.Text), "connections") {
		return 0, false
	}

	squares := 0
	wins := map[rune]struct{}{}
	for _, line := range strings.Split(sub.Text, "\n") {
		var row []rune
		for _, r := range line {
			if isConnectionsSquare(r) {
				row = append(row, r)
			}
		}
		squares += len(row)
		if len(row) != connectionsRowLength {
			continue
		}
		solved := true
		for _, r := range row[1:] {
			if r != row[0] {
				solved = false
				break
			}
		}
		if solved {
			wins[row[0]] = struct{}{}
		}
	}
	if squares == 0 {
		return 0, false
	}

	guesses := squares / connectionsRowLength
	switch {
	case len(wins) == len(connectionsSquares) && guesses <= e.MaxGuesses:
		return e.PerfectPoints, true
	case len(wins) == len(connectionsSquares):
		return e.SolvedPoints, true
	default:
		return e.DefaultPoints, true
	}
}

func isConnectionsSquare(r rune) bool {
	for _, sq := range connectionsSquares {
		if r == sq {
			return true
		}
	}
	return false
}

// SemantleExtractor reads the guess count following a checkmark in a
// Semantle share message. Messages indicating the player gave up earn
// the table's default points.
type SemantleExtractor struct {
	Points PointTable
}

func NewSemantleExtractor() *SemantleExtractor {
	return &SemantleExtractor{Points: DefaultSemantlePoints}
}

func (SemantleExtractor) Game() GameID        { return GameSemantle }
func (SemantleExtractor) Source() InputSource { return SourceText }

func (e SemantleExtractor) Extract(sub Submission, _ ExtractionInput) (int, bool) {
	if guesses, ok := firstGroupedInt(semantlePattern, sub.Text); ok {
		return e.Points.Points(guesses), true
	}
	if strings.Contains(strings.ToLower(sub.Text), "semantle") &&
		semantleGaveUp.MatchString(sub.Text) {
		return e.Points.Default, true
	}
	return 0, false
}

// TetrioExtractor reads the largest comma-grouped number from a
// Tetr.io results screenshot, ex: "62,500"
type TetrioExtractor struct {
	Points PointTable
}

func NewTetrioExtractor() *TetrioExtractor {
	return &TetrioExtractor{Points: DefaultTetrioPoints}
}

func (TetrioExtractor) Game() GameID        { return GameTetrio }
func (TetrioExtractor) Source() InputSource { return SourceOCR }

func (e TetrioExtractor) Extract(_ Submission, in ExtractionInput) (int, bool) {
	best := -1
	for _, m := range tetrioPattern.FindAllString(in.OCRText, -1) {
		n, err := parseGroupedInt(m)
		if err == nil && n > best {
			best = n
		}
	}
	if best < 0 {
		return 0, false
	}
	return e.Points.Points(best), true
}
