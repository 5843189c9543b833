package items

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/threads"
	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/capability"
	"github.com/everydev1618/threads/chain"
)

const directiveFile = `---
id: research/summarize
description: Summarize a document
capabilities:
  - threads.execute.tool.fs/*
limits:
  turns: 5
  spend: "0.25"
model: claude-haiku
owner: docs-team
---
Summarize ${inputs.path} in three bullet points.
`

func writeItem(t *testing.T, root string, kind capability.Kind, name, content string) string {
	t.Helper()
	path := filepath.Join(root, string(kind), filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testKey(t *testing.T) (ed25519.PrivateKey, chain.StaticTrust) {
	t.Helper()
	pub, priv, err := chain.GenerateKey()
	require.NoError(t, err)
	fp, err := chain.Fingerprint(pub)
	require.NoError(t, err)
	return priv, chain.StaticTrust{fp: pub}
}

func TestParseMarkdownFrontmatter(t *testing.T) {
	it, m, err := Parse([]byte(directiveFile), "summarize.md")
	require.NoError(t, err)

	assert.Equal(t, "research/summarize", it.ID)
	assert.Nil(t, it.Signature)
	assert.Equal(t, "Summarize ${inputs.path} in three bullet points.", m.Body)
	assert.Equal(t, m.Body, it.Metadata["body"])
	assert.Equal(t, "docs-team", it.Metadata["owner"])
	assert.Equal(t, 5, m.Limits.Turns)
	assert.Equal(t, "0.25", m.Limits.Spend)
	assert.Equal(t, []string{"threads.execute.tool.fs/*"}, m.Capabilities)
}

func TestParseYAMLManifest(t *testing.T) {
	data := "id: fs/read\nkind: tool\nexecutor: primitives/subprocess\ncommand: cat\ninputs: [path]\n"
	it, _, err := Parse([]byte(data), "read.yaml")
	require.NoError(t, err)

	assert.Equal(t, capability.Tool, it.Kind)
	assert.Equal(t, "primitives/subprocess", it.ExecutorID)
	assert.Equal(t, "cat", it.Metadata["command"])
	assert.Equal(t, []string{"path"}, it.Inputs)
}

func TestParseRejects(t *testing.T) {
	_, _, err := Parse([]byte("description: no id\n"), "x.yaml")
	assert.Error(t, err)

	_, _, err = Parse([]byte("id: x\nkind: widget\n"), "x.yaml")
	assert.Error(t, err)

	_, _, err = Parse([]byte("# threads:signed:abc\nid: x\n"), "x.yaml")
	assert.Error(t, err)
}

func TestSignedFileVerifies(t *testing.T) {
	priv, trust := testKey(t)

	for _, name := range []string{"summarize.md", "summarize.yaml"} {
		t.Run(name, func(t *testing.T) {
			src := directiveFile
			if !strings.HasSuffix(name, ".md") {
				src = "id: research/summarize\ndescription: yaml form\n"
			}
			signed, sig, err := Sign([]byte(src), name, priv)
			require.NoError(t, err)

			first, _, _ := strings.Cut(string(signed), "\n")
			if strings.HasSuffix(name, ".md") {
				assert.True(t, strings.HasPrefix(first, "<!-- threads:signed:"))
			} else {
				assert.True(t, strings.HasPrefix(first, "# threads:signed:"))
			}

			it, _, err := Parse(signed, name)
			require.NoError(t, err)
			require.NotNil(t, it.Signature)
			assert.Equal(t, sig.Hash, it.Signature.Hash)
			assert.Equal(t, sig.Fingerprint, it.Signature.Fingerprint)
			assert.Equal(t, sig.SignedAt.Unix(), it.Signature.SignedAt.Unix())
			assert.Equal(t, src, string(it.Content))

			hash, err := chain.Verify(it, trust, nil)
			require.NoError(t, err)
			assert.Equal(t, sig.Hash, hash)

			// Re-signing replaces the line instead of stacking another.
			again, _, err := Sign(signed, name, priv)
			require.NoError(t, err)
			assert.Equal(t, 1, strings.Count(string(again), "threads:signed:"))
		})
	}
}

func TestTamperedFileFailsVerify(t *testing.T) {
	priv, trust := testKey(t)
	signed, _, err := Sign([]byte(directiveFile), "d.md", priv)
	require.NoError(t, err)

	tampered := strings.Replace(string(signed), "three bullet points", "one sentence", 1)
	it, _, err := Parse([]byte(tampered), "d.md")
	require.NoError(t, err)

	_, err = chain.Verify(it, trust, nil)
	var ie *chain.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, chain.HashMismatch, ie.Kind)

	_, err = chain.Verify(it, chain.StaticTrust{}, nil)
	assert.ErrorIs(t, err, chain.ErrIntegrity)
}

func TestSignFile(t *testing.T) {
	priv, trust := testKey(t)
	path := writeItem(t, t.TempDir(), capability.Directive, "d.md", directiveFile)

	_, err := SignFile(path, priv)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	it, _, err := Parse(data, path)
	require.NoError(t, err)
	_, err = chain.Verify(it, trust, nil)
	assert.NoError(t, err)
}

func TestStoreLookupPrecedence(t *testing.T) {
	project, user, system := t.TempDir(), t.TempDir(), t.TempDir()
	writeItem(t, project, capability.Tool, "fs/read.yaml", "id: fs/read\ndescription: project\n")
	writeItem(t, user, capability.Tool, "fs/read.yaml", "id: fs/read\ndescription: user\n")
	writeItem(t, system, capability.Tool, "fs/read.yml", "id: fs/read\ndescription: system\n")

	s := NewStore(
		WithRoot(chain.SpaceProject, project),
		WithRoot(chain.SpaceUser, user),
		WithRoot(chain.SpaceSystem, system),
	)
	ctx := context.Background()

	it, err := s.Lookup(ctx, capability.Tool, "fs/read", "")
	require.NoError(t, err)
	assert.Equal(t, chain.SpaceProject, it.Space)
	assert.Equal(t, "project", it.Metadata["description"])

	it, err = s.Lookup(ctx, capability.Tool, "fs/read", chain.SpaceUser)
	require.NoError(t, err)
	assert.Equal(t, chain.SpaceUser, it.Space)

	it, err = s.Lookup(ctx, capability.Tool, "fs/read", chain.SpaceSystem)
	require.NoError(t, err)
	assert.Equal(t, chain.SpaceSystem, it.Space)

	_, err = s.Lookup(ctx, capability.Tool, "fs/write", "")
	assert.ErrorIs(t, err, chain.ErrNotFound)

	_, err = s.Lookup(ctx, capability.Tool, "../secrets", "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, chain.ErrNotFound)
}

func TestStoreLookupChecksDeclaredID(t *testing.T) {
	root := t.TempDir()
	writeItem(t, root, capability.Tool, "a.yaml", "id: b\n")
	writeItem(t, root, capability.Tool, "k.yaml", "id: k\nkind: knowledge\n")
	s := NewStore(WithRoot(chain.SpaceProject, root))

	_, err := s.Lookup(context.Background(), capability.Tool, "a", "")
	assert.Error(t, err)
	_, err = s.Lookup(context.Background(), capability.Tool, "k", "")
	assert.Error(t, err)
}

func TestStoreList(t *testing.T) {
	project, system := t.TempDir(), t.TempDir()
	writeItem(t, project, capability.Tool, "b.yaml", "id: b\n")
	writeItem(t, project, capability.Tool, "broken.yaml", "id: [\n")
	writeItem(t, system, capability.Tool, "b.yaml", "id: b\ndescription: shadowed\n")
	writeItem(t, system, capability.Tool, "nested/a.md", "---\nid: nested/a\n---\nbody\n")
	writeItem(t, system, capability.Tool, "notes.txt", "ignored")

	s := NewStore(WithRoot(chain.SpaceProject, project), WithRoot(chain.SpaceSystem, system))
	entries, err := s.List(context.Background(), capability.Tool)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "b", entries[0].Item.ID)
	assert.Equal(t, chain.SpaceProject, entries[0].Item.Space)
	assert.Equal(t, "nested/a", entries[1].Item.ID)
	assert.Equal(t, chain.SpaceSystem, entries[1].Item.Space)
}

func TestResolverOverFileStore(t *testing.T) {
	priv, trust := testKey(t)
	project, system := t.TempDir(), t.TempDir()

	sign := func(root, name, content string) {
		path := writeItem(t, root, capability.Tool, name, content)
		_, err := SignFile(path, priv)
		require.NoError(t, err)
	}
	sign(system, "primitives/subprocess.yaml", "id: primitives/subprocess\ninputs: [command]\n")
	sign(system, "runtimes/shell.yaml", "id: runtimes/shell\nexecutor: primitives/subprocess\noutputs: [command]\n")
	sign(project, "fs/list.yaml", "id: fs/list\nexecutor: runtimes/shell\ncommand: ls\n")

	s := NewStore(WithRoot(chain.SpaceProject, project), WithRoot(chain.SpaceSystem, system))
	c, err := chain.NewResolver(s, trust).Resolve(context.Background(), "fs/list")
	require.NoError(t, err)

	ids := make([]string, len(c.Elements))
	for i, e := range c.Elements {
		ids[i] = e.ItemID
	}
	assert.Equal(t, []string{"fs/list", "runtimes/shell", "primitives/subprocess"}, ids)
	assert.Equal(t, "primitives/subprocess", c.TerminalItem().ID)
}

func TestDirectives(t *testing.T) {
	root := t.TempDir()
	writeItem(t, root, capability.Directive, "research/summarize.md", directiveFile)
	writeItem(t, root, capability.Tool, "fs/read.yaml",
		"id: fs/read\ndescription: Read a file\ninput_schema:\n  type: object\n  properties:\n    path: {type: string}\n")
	writeItem(t, root, capability.Tool, "fs/list.yaml", "id: fs/list\n")

	src := &Directives{Store: NewStore(WithRoot(chain.SpaceProject, root))}
	ctx := context.Background()

	d, err := src.Directive(ctx, "research/summarize")
	require.NoError(t, err)
	assert.Equal(t, "Summarize a document", d.Description)
	assert.Equal(t, 5, d.Limits.Turns)
	assert.Equal(t, "0.25", d.Limits.Spend.String())
	assert.Equal(t, "claude-haiku", d.Model)
	assert.Contains(t, d.Body, "${inputs.path}")

	_, err = src.Directive(ctx, "missing")
	assert.ErrorIs(t, err, threads.ErrDirectiveNotFound)

	tools, err := src.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "fs/list", tools[0].ItemID)
	assert.Equal(t, "object", tools[0].InputSchema["type"])
	assert.Equal(t, "Read a file", tools[1].Description)
	assert.Contains(t, tools[1].InputSchema, "properties")
}

func TestDirectivesRequireSignature(t *testing.T) {
	priv, trust := testKey(t)
	root := t.TempDir()
	path := writeItem(t, root, capability.Directive, "d.md", strings.Replace(directiveFile, "research/summarize", "d", 1))
	src := &Directives{Store: NewStore(WithRoot(chain.SpaceProject, root)), Trust: trust}

	_, err := src.Directive(context.Background(), "d")
	assert.ErrorIs(t, err, chain.ErrIntegrity)

	_, err = SignFile(path, priv)
	require.NoError(t, err)
	_, err = src.Directive(context.Background(), "d")
	assert.NoError(t, err)
}

func TestHandlers(t *testing.T) {
	priv, trust := testKey(t)
	root := t.TempDir()
	writeItem(t, root, capability.Knowledge, "go/errors.md", "---\nid: go/errors\ndescription: Wrapping errors\n---\nUse %w.\n")
	writeItem(t, root, capability.Knowledge, "go/context.md", "---\nid: go/context\ndescription: Context rules\n---\nPass ctx first.\n")

	store := NewStore(WithRoot(chain.SpaceProject, root))
	h := &Handlers{Store: store}
	d := action.NewDispatcher(h.Options()...)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, action.Search{Kind: capability.Knowledge, Query: "WRAPPING"})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, 1, res.Data["count"])

	res, err = d.Dispatch(ctx, action.Load{Kind: capability.Knowledge, ItemID: "go/context"})
	require.NoError(t, err)
	assert.Equal(t, "Pass ctx first.", res.Content())

	res, err = d.Dispatch(ctx, action.Load{Kind: capability.Knowledge, ItemID: "go/missing"})
	require.NoError(t, err)
	assert.False(t, res.OK())

	res, err = d.Dispatch(ctx, action.Sign{Kind: capability.Knowledge, ItemID: "go/errors"})
	require.NoError(t, err)
	assert.False(t, res.OK())

	h.Key = priv
	res, err = d.Dispatch(ctx, action.Sign{Kind: capability.Knowledge, ItemID: "go/errors"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)

	it, err := store.Lookup(ctx, capability.Knowledge, "go/errors", "")
	require.NoError(t, err)
	_, err = chain.Verify(it, trust, nil)
	assert.NoError(t, err)
}
