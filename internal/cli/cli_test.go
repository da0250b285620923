package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/contract-studio/internal/auth"
	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/layout"
	"github.com/bizmatters/contract-studio/internal/mcp"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/store"
)

const tokenSpec = `{"id":"v1","metadata":{"name":"TokenX"},` +
	`"variables":[{"id":"supply","name":"supply","type":"int"}],` +
	`"methods":[],"events":[],"permissions":[{"role":"owner","methods":["mint"]}]}`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExtract(t *testing.T) {
	reply := "Here is your contract:\n```json\n" + tokenSpec + "\n```"

	t.Run("document", func(t *testing.T) {
		out, err := run(t, reply, "extract")
		require.NoError(t, err)
		var doc contract.Document
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		assert.Equal(t, "TokenX", doc.Metadata.Name)
	})

	t.Run("prose", func(t *testing.T) {
		out, err := run(t, reply, "extract", "--prose")
		require.NoError(t, err)
		assert.Equal(t, "Here is your contract:\n", out)
	})

	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reply.txt")
		require.NoError(t, os.WriteFile(path, []byte(reply), 0o644))
		out, err := run(t, "", "extract", path)
		require.NoError(t, err)
		assert.Contains(t, out, `"TokenX"`)
	})

	t.Run("no document", func(t *testing.T) {
		_, err := run(t, "just chatting", "extract")
		assert.EqualError(t, err, "no contract document found")
	})
}

func TestLayout(t *testing.T) {
	out, err := run(t, tokenSpec, "layout", "--selected", "variable-supply")
	require.NoError(t, err)

	var g layout.Graph
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	assert.Equal(t, "v1", g.DocumentID)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, layout.RootID, g.Nodes[0].ID)
	require.Len(t, g.Edges, 1)
	assert.True(t, g.Edges[0].Highlighted)
}

func TestNormalize(t *testing.T) {
	out, err := run(t, tokenSpec, "normalize")
	require.NoError(t, err)

	var wire contract.WireDocument
	require.NoError(t, json.Unmarshal([]byte(out), &wire))
	require.Len(t, wire.Permissions, 1)
	assert.NotEmpty(t, wire.Permissions[0].ID)
	assert.NotEmpty(t, wire.Permissions[0].Name)

	_, err = run(t, `{"id":"v1","metadata":{}}`, "normalize")
	assert.ErrorContains(t, err, "invalid document")

	_, err = run(t, `not json`, "normalize")
	assert.ErrorContains(t, err, "failed to decode document")
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "password123\n", "hash-password")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("password123")))

	_, err = run(t, "short\n", "hash-password")
	assert.Error(t, err)

	_, err = run(t, "", "hash-password")
	assert.EqualError(t, err, "no password on stdin")
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "", "token", "--email", "ops@example.com", "--ttl", "1h")
	require.NoError(t, err)

	jm, err := auth.NewJWTManager("cli-secret")
	require.NoError(t, err)
	claims, err := jm.ValidateToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.UserID)

	_, err = run(t, "", "token")
	assert.EqualError(t, err, "--user or --email is required")

	t.Setenv("JWT_SECRET", "")
	_, err = run(t, "", "token", "--user", "ops")
	assert.ErrorIs(t, err, auth.ErrMissingSecret)
}

func TestConversations(t *testing.T) {
	mem := store.NewMemoryStore()
	orig := newStore
	newStore = func(*cobra.Command) store.ConversationStore { return mem }
	defer func() { newStore = orig }()

	out, err := run(t, "", "conversations", "list")
	require.NoError(t, err)
	assert.Equal(t, "No conversations found\n", out)

	rec, err := mem.Save(context.Background(), models.SaveConversationRequest{
		Title:    "TokenX",
		Messages: []contract.ChatMessage{{Role: contract.RoleUser, Content: "make a token"}},
	})
	require.NoError(t, err)

	out, err = run(t, "", "conversations", "list")
	require.NoError(t, err)
	assert.Contains(t, out, rec.ID)
	assert.Contains(t, out, "make a token")

	out, err = run(t, "", "conv", "list", "--json")
	require.NoError(t, err)
	var list models.ConversationList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Conversations, 1)

	out, err = run(t, "", "conversations", "get", rec.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "TokenX"`)

	out, err = run(t, "", "conversations", "delete", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deleted conversation "+rec.ID+"\n", out)

	_, err = run(t, "", "conversations", "get", rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetAgentURL(t *testing.T) {
	orig := agentURL
	defer func() { agentURL = orig }()

	agentURL = ""
	t.Setenv("AGENT_URL", "")
	assert.Equal(t, "http://localhost:8000", getAgentURL())

	t.Setenv("AGENT_URL", "http://env:8000")
	assert.Equal(t, "http://env:8000", getAgentURL())

	agentURL = "http://flag:8000"
	assert.Equal(t, "http://flag:8000", getAgentURL())
}

type fakeGenerator struct {
	specErr  error
	codeSpec *contract.WireDocument
}

func (f *fakeGenerator) GenerateSpec(ctx context.Context, req models.SpecRequest) (*models.SpecResponse, error) {
	if f.specErr != nil {
		return nil, f.specErr
	}
	var doc contract.Document
	if err := json.Unmarshal([]byte(tokenSpec), &doc); err != nil {
		return nil, err
	}
	return &models.SpecResponse{Spec: &doc, AgentMessage: "Drafted " + req.UserPrompt}, nil
}

func (f *fakeGenerator) GenerateCode(ctx context.Context, req models.CodeRequest) (*models.CodeResponse, error) {
	f.codeSpec = req.Spec
	return &models.CodeResponse{Code: "class TokenX: pass", Language: contract.LanguagePython}, nil
}

func TestDraft(t *testing.T) {
	gen := &fakeGenerator{}
	orig := newGenerator
	newGenerator = func(*cobra.Command) generator { return gen }
	defer func() { newGenerator = orig }()

	t.Run("to directory", func(t *testing.T) {
		dir := t.TempDir()
		out, err := run(t, "", "draft", "--out", dir, "a", "token")
		require.NoError(t, err)
		assert.Contains(t, out, "Drafted a token")

		code, err := os.ReadFile(filepath.Join(dir, "TokenX.py"))
		require.NoError(t, err)
		assert.Equal(t, "class TokenX: pass", string(code))

		spec, err := os.ReadFile(filepath.Join(dir, "spec.json"))
		require.NoError(t, err)
		assert.Contains(t, string(spec), `"TokenX"`)

		// code generation receives the backend shape
		require.NotNil(t, gen.codeSpec)
		assert.Equal(t, "perm-1", gen.codeSpec.Permissions[0].ID)
	})

	t.Run("to stdout", func(t *testing.T) {
		out, err := run(t, "", "draft", "a token")
		require.NoError(t, err)
		assert.Contains(t, out, `"name": "TokenX"`)
		assert.Contains(t, out, "class TokenX: pass")
	})

	t.Run("backend failure", func(t *testing.T) {
		gen.specErr = errors.New("backend down")
		defer func() { gen.specErr = nil }()
		_, err := run(t, "", "draft", "a token")
		assert.EqualError(t, err, "backend down")
	})
}

func TestExport(t *testing.T) {
	mem := store.NewMemoryStore()
	orig := newStore
	newStore = func(*cobra.Command) store.ConversationStore { return mem }
	defer func() { newStore = orig }()

	ctx := context.Background()
	code := "public class TokenX {}"
	withCode, err := mem.Save(ctx, models.SaveConversationRequest{
		Title:    "TokenX",
		Spec:     json.RawMessage(tokenSpec),
		Code:     &code,
		Language: string(contract.LanguageCSharp),
	})
	require.NoError(t, err)
	noCode, err := mem.Save(ctx, models.SaveConversationRequest{Title: "Empty"})
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := run(t, "", "export", "--out", dir, withCode.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "TokenX.cs")

	data, err := os.ReadFile(filepath.Join(dir, "TokenX.cs"))
	require.NoError(t, err)
	assert.Equal(t, code, string(data))

	_, err = run(t, "", "export", "--out", dir, noCode.ID)
	assert.ErrorContains(t, err, "has no generated code")

	_, err = run(t, "", "export", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMCP(t *testing.T) {
	mem := store.NewMemoryStore()
	origStore := newStore
	newStore = func(*cobra.Command) store.ConversationStore { return mem }
	defer func() { newStore = origStore }()

	var served *mcp.Server
	origServe := serveMCP
	serveMCP = func(s *mcp.Server) error {
		served = s
		return nil
	}
	defer func() { serveMCP = origServe }()

	_, err := run(t, "", "mcp", "--timeout", "5s")
	require.NoError(t, err)
	require.NotNil(t, served)

	tools := served.Tools()
	assert.Len(t, tools, 7)
	assert.Contains(t, tools, "get_neo_status")
	assert.Contains(t, tools, "list_drafts")

	_, err = run(t, "", "mcp", "extra")
	assert.Error(t, err)
}
