package problem

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/calc"
)

// Kind identifies the grader a response is dispatched to.
type Kind string

const (
	KindNumerical Kind = "numerical"
	KindFormula   Kind = "formula"
	KindCode      Kind = "code"
	KindSchematic Kind = "schematic"
	KindOpenEnded Kind = "openended"
)

var responseTags = map[string]Kind{
	"numericalresponse": KindNumerical,
	"formularesponse":   KindFormula,
	"coderesponse":      KindCode,
	"schematicresponse": KindSchematic,
	"openendedresponse": KindOpenEnded,
}

// ShowAnswerPolicy decides when reference answers may be revealed.
type ShowAnswerPolicy string

const (
	ShowNever     ShowAnswerPolicy = "never"
	ShowAttempted ShowAnswerPolicy = "attempted"
	ShowAnswered  ShowAnswerPolicy = "answered"
	ShowClosed    ShowAnswerPolicy = "closed"
	ShowAlways    ShowAnswerPolicy = "always"
)

// ScriptLang is the language of an author script.
type ScriptLang string

const (
	ScriptLua    ScriptLang = "lua"
	ScriptPython ScriptLang = "python"
)

// Script is an author <script> block run once when an instance is built.
type Script struct {
	Lang    ScriptLang
	Source  string
	Command string // sandbox command for python scripts
}

// Interval is a numerical answer range such as "[0.4, 0.6)".
type Interval struct {
	Low           *calc.Expr
	High          *calc.Expr
	LowInclusive  bool
	HighInclusive bool
}

// Response describes one gradable input.
type Response struct {
	ID            string
	Kind          Kind
	Answer        string
	Tolerance     Tolerance
	Samples       *Samples
	Optional      bool
	CaseSensitive bool
	MaxPoints     float64

	// code responses
	Command string
	Code    string
	Payload string
	Files   []string

	// openended responses
	Prompt string
	Rubric string

	expr     *calc.Expr
	interval *Interval
}

// Interval returns the parsed range of an interval-valued numerical answer.
func (r *Response) Interval() *Interval { return r.interval }

// Definition is an immutable, validated problem.
type Definition struct {
	Name        string
	Due         *time.Time
	GracePeriod time.Duration
	MaxAttempts *int
	ShowAnswer  ShowAnswerPolicy
	Rerandomize bool
	Responses   []*Response
	Scripts     []Script
}

// Response returns the response with the given id.
func (d *Definition) Response(id string) *Response {
	for _, r := range d.Responses {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// LoadDefinition parses an XML document and validates it. Script src
// attributes are resolved through loader, which may be nil when no script
// references an external file.
func LoadDefinition(r io.Reader, loader Loader) (*Definition, error) {
	root, err := ParseXML(r)
	if err != nil {
		return nil, err
	}
	return NewDefinition(root, loader)
}

// NewDefinition validates a definition tree. Every failure is a *DefinitionError.
func NewDefinition(root *Node, loader Loader) (*Definition, error) {
	if root == nil || root.Name != "problem" {
		name := ""
		if root != nil {
			name = root.Name
		}
		return nil, defErr(name, "root element must be <problem>")
	}

	def := &Definition{Name: root.Attr("display_name"), ShowAnswer: ShowClosed}
	if err := def.parseAttrs(root); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var walkErr error
	root.Walk(func(n *Node) bool {
		if walkErr != nil {
			return false
		}
		if n.Name == "script" {
			s, err := parseScript(n, loader)
			if err != nil {
				walkErr = err
				return false
			}
			def.Scripts = append(def.Scripts, s)
			return false
		}
		kind, ok := responseTags[n.Name]
		if !ok {
			return true
		}
		resp, err := parseResponse(n, kind)
		if err != nil {
			walkErr = err
			return false
		}
		if seen[resp.ID] {
			walkErr = defErr(n.Name, "duplicate response id %q", resp.ID)
			return false
		}
		seen[resp.ID] = true
		def.Responses = append(def.Responses, resp)
		return false
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return def, nil
}

func (d *Definition) parseAttrs(root *Node) error {
	if s := strings.TrimSpace(root.Attr("due")); s != "" {
		due, err := parseTime(s)
		if err != nil {
			return defErr("problem", "due %q: %v", s, err)
		}
		d.Due = &due
	}
	if s := strings.TrimSpace(root.Attr("graceperiod")); s != "" {
		grace, err := time.ParseDuration(s)
		if err != nil || grace < 0 {
			return defErr("problem", "graceperiod %q is not a non-negative duration", s)
		}
		d.GracePeriod = grace
	}
	if s := strings.TrimSpace(root.Attr("attempts")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return defErr("problem", "attempts %q must be a positive integer", s)
		}
		d.MaxAttempts = &n
	}
	if s := strings.TrimSpace(root.Attr("showanswer")); s != "" {
		switch p := ShowAnswerPolicy(strings.ToLower(s)); p {
		case ShowNever, ShowAttempted, ShowAnswered, ShowClosed, ShowAlways:
			d.ShowAnswer = p
		default:
			return defErr("problem", "unknown showanswer policy %q", s)
		}
	}
	if s := strings.TrimSpace(root.Attr("rerandomize")); s != "" {
		switch strings.ToLower(s) {
		case "true", "always", "onreset", "1":
			d.Rerandomize = true
		case "false", "never", "per_student", "0":
			d.Rerandomize = false
		default:
			return defErr("problem", "rerandomize %q is not a boolean", s)
		}
	}
	return nil
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD")
}

func parseScript(n *Node, loader Loader) (Script, error) {
	var s Script
	switch strings.ToLower(strings.TrimSpace(n.Attr("type"))) {
	case "lua", "text/lua", "":
		s.Lang = ScriptLua
	case "python", "python3", "text/python", "loncapa/python":
		s.Lang = ScriptPython
		s.Command = n.Attr("cmd")
		if s.Command == "" {
			s.Command = "python"
		}
	default:
		return s, defErr("script", "unsupported script type %q", n.Attr("type"))
	}
	if src := n.Attr("src"); src != "" {
		if loader == nil {
			return s, defErr("script", "src %q given but no resource loader", src)
		}
		data, err := loader.Load(src)
		if err != nil {
			return s, defErr("script", "load %q: %v", src, err)
		}
		s.Source = string(data)
	} else {
		s.Source = dedent(n.Text)
	}
	return s, nil
}

func parseResponse(n *Node, kind Kind) (*Response, error) {
	r := &Response{
		ID:            strings.TrimSpace(n.Attr("id")),
		Kind:          kind,
		CaseSensitive: true,
		MaxPoints:     1,
	}
	if r.ID == "" {
		return nil, defErr(n.Name, "missing id")
	}
	if s := n.Attr("optional"); s != "" {
		opt, err := strconv.ParseBool(s)
		if err != nil {
			return nil, defErr(n.Name, "response %s: optional %q is not a boolean", r.ID, s)
		}
		r.Optional = opt
	}
	if s := n.Attr("points"); s != "" {
		pts, err := strconv.ParseFloat(s, 64)
		if err != nil || pts < 0 {
			return nil, defErr(n.Name, "response %s: points %q must be a non-negative number", r.ID, s)
		}
		r.MaxPoints = pts
	}

	var err error
	switch kind {
	case KindNumerical:
		err = r.parseNumerical(n)
	case KindFormula:
		err = r.parseFormula(n)
	case KindCode:
		err = r.parseCode(n)
	case KindSchematic:
		r.Answer = n.ChildText("answer")
	case KindOpenEnded:
		r.Answer = n.ChildText("answer")
		r.Prompt = n.ChildText("prompt")
		r.Rubric = n.ChildText("rubric")
	}
	if err != nil {
		return nil, defErr(n.Name, "response %s: %v", r.ID, err)
	}
	return r, nil
}

func toleranceOf(n *Node) string {
	if s := n.ChildText("tolerance"); s != "" {
		return s
	}
	for _, c := range n.Children {
		if c.Name == "responseparam" && c.Attr("type") == "tolerance" {
			return c.Attr("default")
		}
	}
	return n.Attr("tolerance")
}

func (r *Response) parseNumerical(n *Node) error {
	r.Answer = strings.TrimSpace(n.Attr("answer"))
	if r.Answer == "" {
		return fmt.Errorf("missing answer")
	}
	tol, err := ParseTolerance(toleranceOf(n))
	if err != nil {
		return err
	}
	r.Tolerance = tol

	if iv, ok, err := parseInterval(r.Answer); ok {
		if err != nil {
			return err
		}
		r.interval = iv
		return nil
	}
	r.expr, err = calc.Parse(r.Answer)
	if err != nil {
		return fmt.Errorf("answer %q: %w", r.Answer, err)
	}
	return nil
}

// parseInterval recognises "[lo, hi]" style answers. ok is false when s is
// not bracketed.
func parseInterval(s string) (iv *Interval, ok bool, err error) {
	if len(s) < 2 || !strings.ContainsAny(s[:1], "[(") || !strings.ContainsAny(s[len(s)-1:], "])") {
		return nil, false, nil
	}
	lo, hi, found := strings.Cut(s[1:len(s)-1], ",")
	if !found {
		// "(1+2)" is an expression, not an interval
		return nil, false, nil
	}
	iv = &Interval{LowInclusive: s[0] == '[', HighInclusive: s[len(s)-1] == ']'}
	if iv.Low, err = calc.Parse(lo); err != nil {
		return nil, true, fmt.Errorf("interval low bound %q: %w", lo, err)
	}
	if iv.High, err = calc.Parse(hi); err != nil {
		return nil, true, fmt.Errorf("interval high bound %q: %w", hi, err)
	}
	if iv.Low.Empty() || iv.High.Empty() {
		return nil, true, fmt.Errorf("interval %q needs two bounds", s)
	}
	return iv, true, nil
}

func (r *Response) parseFormula(n *Node) error {
	r.Answer = strings.TrimSpace(n.Attr("answer"))
	if r.Answer == "" {
		return fmt.Errorf("missing answer")
	}
	var err error
	if r.expr, err = calc.Parse(r.Answer); err != nil {
		return fmt.Errorf("answer %q: %w", r.Answer, err)
	}
	if r.Tolerance, err = ParseTolerance(toleranceOf(n)); err != nil {
		return err
	}
	if r.Samples, err = ParseSamples(n.Attr("samples")); err != nil {
		return err
	}
	switch t := strings.ToLower(strings.TrimSpace(n.Attr("type"))); t {
	case "", "cs":
		r.CaseSensitive = true
	case "ci":
		r.CaseSensitive = false
	default:
		return fmt.Errorf("type %q must be ci or cs", t)
	}
	return nil
}

func (r *Response) parseCode(n *Node) error {
	r.Command = strings.TrimSpace(n.Attr("cmd"))
	if r.Command == "" {
		r.Command = "python"
	}
	code := n.Child("code")
	if code == nil || strings.TrimSpace(code.Text) == "" {
		return fmt.Errorf("missing <code> reference program")
	}
	r.Code = dedent(code.Text)
	r.Payload = n.ChildText("payload")
	r.Answer = n.ChildText("answer")
	r.Files = splitList(n.Attr("files"))
	return nil
}
