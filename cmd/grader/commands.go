package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavelanni/grader/internal/calc"
	"github.com/pavelanni/grader/internal/lifecycle"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/problem"
	"github.com/pavelanni/grader/internal/store"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval EXPR",
		Short: "Evaluate a formula with the default variables and functions",
		Args:  cobra.ExactArgs(1),
		RunE:  runEval,
	}
	cmd.Flags().StringArray("var", nil, "Variable binding name=value (repeatable)")
	cmd.Flags().Bool("case-sensitive", false, "Match identifiers case-sensitively")
	addLogFlags(cmd)
	return cmd
}

// parseVars turns name=value bindings into variables. Values are themselves
// formulas evaluated against the defaults.
func parseVars(bindings []string, caseSensitive bool) (map[string]complex128, error) {
	vars := make(map[string]complex128, len(bindings))
	for _, b := range bindings {
		name, expr, ok := strings.Cut(b, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", b)
		}
		v, err := calc.Evaluate(expr, nil, nil, caseSensitive)
		if err != nil {
			return nil, fmt.Errorf("--var %s: %w", name, err)
		}
		vars[name] = v
	}
	return vars, nil
}

func formatComplex(v complex128) string {
	if imag(v) == 0 {
		return strconv.FormatFloat(real(v), 'g', -1, 64)
	}
	return strconv.FormatComplex(v, 'g', -1, 128)
}

func runEval(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	caseSensitive := v.GetBool("case-sensitive")

	bindings, _ := cmd.Flags().GetStringArray("var")
	vars, err := parseVars(bindings, caseSensitive)
	if err != nil {
		return err
	}
	val, err := calc.Evaluate(args[0], vars, nil, caseSensitive)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), formatComplex(val))
	return err
}

func latexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latex EXPR",
		Short: "Render a formula as LaTeX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := calc.Latex(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade FILE",
		Short: "Run one lifecycle action against a problem file",
		Long: `Loads a problem XML file, restores the state from --state (if the file
exists), performs --action with the --answers JSON object and prints the
result. The updated state is written back to --state.`,
		Args: cobra.ExactArgs(1),
		RunE: runGrade,
	}
	f := cmd.Flags()
	f.String("answers", "{}", "JSON object mapping response ids to answers")
	f.String("state", "", "State file read before and written after the action")
	f.String("action", "check", "Action to perform (check, save, reset, answer)")
	f.Bool("staff", false, "Act as staff")
	f.String("problems-dir", "", "Directory resolving script src and grader file references (default: the file's directory)")
	f.Bool("require-complete", true, "Grade missing required answers as incorrect")
	f.Bool("charge-invalid", true, "Unparseable answers still use up an attempt")
	addSandboxFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

type gradeOutput struct {
	Action   string           `json:"action"`
	Status   lifecycle.Status `json:"status"`
	Attempts int              `json:"attempts"`
	Score    float64          `json:"score"`
	MaxScore float64          `json:"max_score"`
	Result   any              `json:"result"`
}

func readState(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state: %w", err)
	}
	return string(data), nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	path := args[0]
	dir := v.GetString("problems-dir")
	if dir == "" {
		dir = filepath.Dir(path)
	}
	loader := problem.DirLoader(dir)

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open problem: %w", err)
	}
	def, err := problem.LoadDefinition(src, loader)
	src.Close()
	if err != nil {
		return err
	}

	var answers map[string]string
	if err := json.Unmarshal([]byte(v.GetString("answers")), &answers); err != nil {
		return fmt.Errorf("parse --answers: %w", err)
	}

	if err := setupSandbox(v); err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	statePath := v.GetString("state")
	blob, err := readState(statePath)
	if err != nil {
		return err
	}

	actor := lifecycle.Actor{
		UserID:          1,
		IsAuthenticated: true,
		IsStaff:         v.GetBool("staff"),
	}
	c, err := lifecycle.New(ctx, def, blob, actor,
		lifecycle.WithLoader(loader),
		lifecycle.WithRequireComplete(v.GetBool("require-complete")),
		lifecycle.WithChargeInvalid(v.GetBool("charge-invalid")),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	action := strings.ToLower(v.GetString("action"))
	var result any
	switch action {
	case "check":
		result, err = c.Check(ctx, answers)
	case "save":
		result, err = c.Save(answers)
	case "reset":
		result, err = c.Reset(ctx)
	case "answer":
		result, err = c.ShowAnswer()
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}

	if statePath != "" {
		blob, err := c.State()
		if err != nil {
			return err
		}
		if err := os.WriteFile(statePath, []byte(blob), 0o600); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
	}

	earned, possible := c.Score()
	out := gradeOutput{
		Action:   action,
		Status:   c.Status(),
		Attempts: c.Attempts(),
		Score:    earned,
		MaxScore: possible,
		Result:   result,
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored problem states as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "grader.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportStates(context.Background())
	if err != nil {
		return fmt.Errorf("export states: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import problem XML files into the database",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "grader.db", "SQLite database path")
	f.String("problems-dir", "problems", "Directory resolving script src and grader file references")
	addLogFlags(cmd)
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	imports := make([]model.ProblemImport, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		imports = append(imports, model.ProblemImport{
			ID:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Path:   path,
			Source: string(data),
			Hash:   sha256sum(data),
		})
	}
	return importProblems(context.Background(), db, problem.DirLoader(v.GetString("problems-dir")), imports)
}

// importProblems stores each definition that validates. Files whose content
// hash matches the last import are skipped.
func importProblems(ctx context.Context, db *store.Store, loader problem.Loader, imports []model.ProblemImport) error {
	for _, pi := range imports {
		storedHash, err := db.GetImportedFileHash(ctx, pi.Path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", pi.Path, err)
		}
		if storedHash == pi.Hash {
			slog.Info("problem file unchanged, skipping", "path", pi.Path)
			continue
		}

		def, err := problem.LoadDefinition(strings.NewReader(pi.Source), loader)
		if err != nil {
			return fmt.Errorf("%s: %w", pi.Path, err)
		}
		if err := db.UpsertProblem(ctx, model.ProblemRecord{ID: pi.ID, Name: def.Name, Source: pi.Source}); err != nil {
			return fmt.Errorf("store %s: %w", pi.Path, err)
		}
		if err := db.SetImportedFileHash(ctx, pi.Path, pi.Hash); err != nil {
			return fmt.Errorf("record import for %s: %w", pi.Path, err)
		}
		slog.Info("imported problem", "path", pi.Path, "id", pi.ID, "responses", len(def.Responses))
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
