package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	"github.com/joho/godotenv"

	"perfharness/pkg/benchtypes"
)

// argData is what variant argument templates can reference, e.g.
// "{{.ProblemFile}}" or "--timeout={{.TimeoutSeconds}}".
type argData struct {
	Experiment     string
	Variant        string
	Repetition     int
	Instance       int
	Seed           int64
	EntryPoint     string
	AgentConfig    string
	ProblemFile    string
	TimeoutSeconds int
	Params         []string
	BaseDir        string
	WorkDir        string
}

// buildArgs renders the solver argv after the command itself:
// launch arguments, the entry point, then the variant arguments.
func buildArgs(v benchtypes.VariantSpec, data argData) ([]string, error) {
	args := make([]string, 0, len(v.LaunchArgs)+1+len(v.Args))
	for _, raw := range v.LaunchArgs {
		arg, err := renderArg(raw, data)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if data.EntryPoint != "" {
		args = append(args, data.EntryPoint)
	}
	for _, raw := range v.Args {
		arg, err := renderArg(raw, data)
		if err != nil {
			return nil, err
		}
		if arg == "" && strings.Contains(raw, "{{") {
			// An unset optional path such as AgentConfig drops the argument.
			continue
		}
		args = append(args, arg)
	}
	return args, nil
}

func renderArg(raw string, data argData) (string, error) {
	if !strings.Contains(raw, "{{") {
		return raw, nil
	}
	tmpl, err := template.New("arg").Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad argument template %q: %w", raw, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("cannot render argument %q: %w", raw, err)
	}
	return b.String(), nil
}

// childEnv returns the harness environment overlaid with the env file values
// and then the explicit variables.
func childEnv(explicit, fromFile map[string]string) []string {
	env := os.Environ()
	overlay := make(map[string]string, len(explicit)+len(fromFile))
	maps.Copy(overlay, fromFile)
	maps.Copy(overlay, explicit)
	keys := make([]string, 0, len(overlay))
	for key := range overlay {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		env = append(env, key+"="+overlay[key])
	}
	return env
}

func readEnvFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read env file %s: %w", path, err)
	}
	return values, nil
}

// digestFile returns the hex SHA-256 of path, or "" when it cannot be read.
func digestFile(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// copyDir copies the regular files under src into dst, overwriting files
// that already exist there.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
