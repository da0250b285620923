package mcp

import (
	"context"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/orchestration"
)

var (
	pythonPublic = regexp.MustCompile(`(?m)^\s*@public\b`)
	csharpPublic = regexp.MustCompile(`(?m)^\s*public\s+static\s+[\w<>\[\],\s]+?\s+\w+\s*\(`)
	pythonImport = regexp.MustCompile(`(?m)^\s*(import|from)\s+\S+`)
	csharpUsing  = regexp.MustCompile(`(?m)^\s*using\s+[\w.]+\s*;`)
)

// CodeAnalysis summarizes a contract source file
type CodeAnalysis struct {
	Language         contract.Language `json:"language"`
	LinesOfCode      int               `json:"lines_of_code"`
	PublicMethods    int               `json:"public_methods"`
	HasPublicMethods bool              `json:"has_public_methods"`
	HasImports       bool              `json:"has_imports"`
	GenerationFailed bool              `json:"generation_failed"`
	Suggestions      []string          `json:"suggestions"`
}

// AnalyzeCode counts the structure of contract code in lang
func AnalyzeCode(code string, lang contract.Language) CodeAnalysis {
	lang = lang.Normalized()
	a := CodeAnalysis{Language: lang, Suggestions: []string{}}

	if strings.HasPrefix(code, orchestration.CodeFailurePrefix) {
		a.GenerationFailed = true
		a.Suggestions = append(a.Suggestions, "Code generation failed; regenerate before analyzing")
		return a
	}
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) != "" {
			a.LinesOfCode++
		}
	}

	if lang == contract.LanguageCSharp {
		a.PublicMethods = len(csharpPublic.FindAllString(code, -1))
		a.HasImports = csharpUsing.MatchString(code)
	} else {
		a.PublicMethods = len(pythonPublic.FindAllString(code, -1))
		a.HasImports = pythonImport.MatchString(code)
	}
	a.HasPublicMethods = a.PublicMethods > 0

	if a.LinesOfCode == 0 {
		a.Suggestions = append(a.Suggestions, "No code to analyze")
		return a
	}
	if !a.HasPublicMethods {
		a.Suggestions = append(a.Suggestions, "Expose at least one public method so the contract can be invoked")
	}
	if !a.HasImports {
		a.Suggestions = append(a.Suggestions, "Import the Neo framework the contract builds on")
	}
	return a
}

// Task step actions
const (
	ActionGenerateSpec   = "generate_spec"
	ActionGenerateCode   = "generate_code"
	ActionUpdateSpec     = "update_spec"
	ActionRegenerateCode = "regenerate_code"
	ActionExplain        = "explain"
	ActionAnalyze        = "analyze"
)

// TaskStep is one action of a task plan
type TaskStep struct {
	Step        int    `json:"step"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// TaskPlan breaks a request into steps
type TaskPlan struct {
	Steps                  []TaskStep `json:"steps"`
	RequiresCodeGeneration bool       `json:"requires_code_generation"`
	RequiresSpecGeneration bool       `json:"requires_spec_generation"`
}

var (
	createWords  = []string{"create", "new", "build"}
	modifyWords  = []string{"modify", "update", "change"}
	explainWords = []string{"explain", "what", "how"}
)

// BreakDownTask plans the steps a prompt calls for. hasSpec reports whether
// a specification already exists to update.
func BreakDownTask(prompt string, hasSpec bool) TaskPlan {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	}) {
		words[w] = true
	}
	anyOf := func(candidates []string) bool {
		for _, c := range candidates {
			if words[c] {
				return true
			}
		}
		return false
	}

	var actions [][2]string
	switch {
	case anyOf(createWords):
		actions = [][2]string{
			{ActionGenerateSpec, "Generate contract specification from requirements"},
			{ActionGenerateCode, "Generate smart contract code from specification"},
		}
	case anyOf(modifyWords):
		first := [2]string{ActionGenerateSpec, "Generate new specification (no existing spec found)"}
		if hasSpec {
			first = [2]string{ActionUpdateSpec, "Update existing specification based on changes"}
		}
		actions = [][2]string{first, {ActionRegenerateCode, "Regenerate code with updated specification"}}
	case anyOf(explainWords):
		actions = [][2]string{{ActionExplain, "Provide explanation of contract or code"}}
	default:
		actions = [][2]string{{ActionAnalyze, "Analyze the request and determine appropriate action"}}
	}

	plan := TaskPlan{Steps: make([]TaskStep, 0, len(actions))}
	for i, a := range actions {
		plan.Steps = append(plan.Steps, TaskStep{Step: i + 1, Action: a[0], Description: a[1]})
		switch a[0] {
		case ActionGenerateCode, ActionRegenerateCode:
			plan.RequiresCodeGeneration = true
		case ActionGenerateSpec, ActionUpdateSpec:
			plan.RequiresSpecGeneration = true
		}
	}
	return plan
}

func registerPlanningTools(addTool toolAdder) {
	addTool("analyze_code", mcp.NewTool("analyze_code",
		mcp.WithDescription("Analyze smart contract code: size, public methods, imports and suggestions."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Contract source")),
		mcp.WithString("language", mcp.Description("Code language, python by default"), mcp.Enum(string(contract.LanguagePython), string(contract.LanguageCSharp))),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := request.RequireString("code")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		lang := contract.Language(mcp.ParseString(request, "language", string(contract.LanguagePython)))
		return jsonResult(AnalyzeCode(code, lang))
	})

	addTool("break_down_task", mcp.NewTool("break_down_task",
		mcp.WithDescription("Break a user request into the studio actions it needs."),
		mcp.WithString("user_prompt", mcp.Required(), mcp.Description("The user's request")),
		mcp.WithObject("existing_spec", mcp.Description("The current specification, if any")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := request.RequireString("user_prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var spec map[string]any
		hasSpec, err := decodeArgument(request, "existing_spec", &spec)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(BreakDownTask(prompt, hasSpec && len(spec) > 0))
	})
}
