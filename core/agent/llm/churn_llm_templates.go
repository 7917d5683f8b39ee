package llm

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"

	"gopkg.in/yaml.v3"
)

const (
	TemplateSystem = "ticket-analysis.system"
	TemplateUser   = "ticket-analysis.user"
)

//go:embed prompts/*.md
var builtinPromptFS embed.FS

var builtinPrompts = mustLoadBuiltin()

func mustLoadBuiltin() map[string]*PromptTemplate {
	set, err := LoadPromptTemplates(builtinPromptFS, "prompts")
	if err != nil {
		panic(fmt.Sprintf("llm: builtin prompts: %v", err))
	}
	for _, name := range []string{TemplateSystem, TemplateUser} {
		if set[name] == nil {
			panic(fmt.Sprintf("llm: builtin prompt %s missing", name))
		}
	}
	return set
}

// BuiltinPromptTemplates returns the templates compiled into the binary.
func BuiltinPromptTemplates() map[string]*PromptTemplate {
	return builtinPrompts
}

// VariableDef declares one template input in the frontmatter.
type VariableDef struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
	Default  any    `yaml:"default"`
}

type frontmatter struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Variables   []VariableDef `yaml:"variables"`
}

// PromptTemplate is a markdown prompt whose inputs are declared up front.
// Templates only reference declared variables; Render enforces required
// inputs, defaults and types.
type PromptTemplate struct {
	Name        string
	Description string
	Variables   []VariableDef

	tmpl *template.Template
}

var variableTypes = map[string]bool{"string": true, "number": true, "boolean": true, "array": true, "object": true}

// LoadPromptTemplates parses every *.md file in dir. A file without
// frontmatter, with an undeclared variable reference or with a default that
// does not match its declared type fails the whole load.
func LoadPromptTemplates(fsys fs.FS, dir string) (map[string]*PromptTemplate, error) {
	files, err := fs.Glob(fsys, path.Join(dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	sort.Strings(files)

	set := make(map[string]*PromptTemplate, len(files))
	for _, file := range files {
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		pt, err := ParsePromptTemplate(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		if _, dup := set[pt.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate prompt name %q", file, pt.Name)
		}
		set[pt.Name] = pt
	}
	return set, nil
}

// ParsePromptTemplate parses one markdown prompt with YAML frontmatter.
func ParsePromptTemplate(src string) (*PromptTemplate, error) {
	meta, body, err := splitFrontmatter(src)
	if err != nil {
		return nil, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if fm.Name == "" {
		return nil, errors.New("frontmatter has no name")
	}

	declared := make(map[string]bool, len(fm.Variables))
	for i := range fm.Variables {
		v := &fm.Variables[i]
		if v.Name == "" {
			return nil, fmt.Errorf("variable %d has no name", i)
		}
		if declared[v.Name] {
			return nil, fmt.Errorf("variable %q declared twice", v.Name)
		}
		declared[v.Name] = true
		if v.Type == "" {
			v.Type = "string"
		}
		if !variableTypes[v.Type] {
			return nil, fmt.Errorf("variable %q: unknown type %q", v.Name, v.Type)
		}
		if v.Default != nil && !matchesType(v.Default, v.Type) {
			return nil, fmt.Errorf("variable %q: default %v is not a %s", v.Name, v.Default, v.Type)
		}
	}

	tmpl, err := template.New(fm.Name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	for _, ref := range topLevelFields(tmpl.Tree.Root) {
		if !declared[ref] {
			return nil, fmt.Errorf("template references undeclared variable %q", ref)
		}
	}

	return &PromptTemplate{
		Name:        fm.Name,
		Description: fm.Description,
		Variables:   fm.Variables,
		tmpl:        tmpl,
	}, nil
}

// Render executes the template. Missing required variables and type
// mismatches are errors; absent optional variables take their default.
func (p *PromptTemplate) Render(vars map[string]any) (string, error) {
	data := make(map[string]any, len(p.Variables))
	for _, v := range p.Variables {
		val, ok := vars[v.Name]
		switch {
		case ok:
			if !matchesType(val, v.Type) {
				return "", fmt.Errorf("%s: variable %q should be %s, got %T", p.Name, v.Name, v.Type, val)
			}
		case v.Required:
			return "", fmt.Errorf("%s: missing required variable %q", p.Name, v.Name)
		default:
			val = v.Default
		}
		data[v.Name] = val
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", p.Name, err)
	}
	return buf.String(), nil
}

func splitFrontmatter(src string) (string, string, error) {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	if !strings.HasPrefix(src, "---\n") {
		return "", "", errors.New("no frontmatter found")
	}
	rest := src[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return "", "", errors.New("unterminated frontmatter")
	}
	return rest[:end], strings.TrimSpace(rest[end+len("\n---\n"):]), nil
}

func matchesType(v any, typ string) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch typ {
	case "string":
		return rv.Kind() == reflect.String
	case "number":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case "boolean":
		return rv.Kind() == reflect.Bool
	case "array":
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	case "object":
		return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct ||
			(rv.Kind() == reflect.Pointer && rv.Elem().Kind() == reflect.Struct)
	}
	return false
}

// topLevelFields lists the variables a template reads from its root data.
// Bodies of range and with blocks rebind dot and are skipped; their pipelines
// are still checked.
func topLevelFields(root *parse.ListNode) []string {
	var refs []string
	var walkPipe func(p *parse.PipeNode)
	var walk func(n parse.Node)

	walkArg := func(arg parse.Node) {
		switch a := arg.(type) {
		case *parse.FieldNode:
			refs = append(refs, a.Ident[0])
		case *parse.ChainNode:
			if f, ok := a.Node.(*parse.FieldNode); ok {
				refs = append(refs, f.Ident[0])
			}
			if p, ok := a.Node.(*parse.PipeNode); ok {
				walkPipe(p)
			}
		case *parse.PipeNode:
			walkPipe(a)
		}
	}
	walkPipe = func(p *parse.PipeNode) {
		if p == nil {
			return
		}
		for _, cmd := range p.Cmds {
			for _, arg := range cmd.Args {
				walkArg(arg)
			}
		}
	}
	walk = func(n parse.Node) {
		switch x := n.(type) {
		case *parse.ListNode:
			if x == nil {
				return
			}
			for _, c := range x.Nodes {
				walk(c)
			}
		case *parse.ActionNode:
			walkPipe(x.Pipe)
		case *parse.IfNode:
			walkPipe(x.Pipe)
			walk(x.List)
			walk(x.ElseList)
		case *parse.RangeNode:
			walkPipe(x.Pipe)
			walk(x.ElseList)
		case *parse.WithNode:
			walkPipe(x.Pipe)
			walk(x.ElseList)
		}
	}
	walk(root)
	return refs
}
