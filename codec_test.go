package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMessageRoundTrip(t *testing.T) {
	t.Run("prose and trailers", func(t *testing.T) {
		msg := "Add a widget\n\nThis explains the widget.\n\n" +
			"Signed-off-by: Alice <alice@example.com>\n" +
			"ghstack-source-id: 1111111111111111111111111111111111111111\n" +
			"Pull Request resolved: https://github.com/octocat/example/pull/7\n"
		prose, trailers := ParseMessage(msg)
		assert(t, prose == "Add a widget\n\nThis explains the widget.").Errorf("prose = %q", prose)
		assert(t, len(trailers) == 3).Fatalf("expected 3 trailers, got %d: %v", len(trailers), trailers)
		assert(t, trailers[0] == KeyVal{"Signed-off-by", "Alice <alice@example.com>"}).Errorf("trailer[0] = %v", trailers[0])

		userTrailers, gh := SplitGhstackTrailers(trailers)
		assert(t, len(userTrailers) == 1).Fatalf("expected 1 user trailer, got %d", len(userTrailers))
		assert(t, gh.SourceID == "1111111111111111111111111111111111111111").Errorf("source-id = %q", gh.SourceID)
		assert(t, gh.PRURL == "https://github.com/octocat/example/pull/7").Errorf("pr url = %q", gh.PRURL)
		assert(t, !gh.Direct).Errorf("expected classic (non-direct) trailer form")

		reemitted := Emit(prose, userTrailers, gh)
		prose2, trailers2 := ParseMessage(reemitted)
		assert(t, prose2 == prose).Errorf("round-trip prose changed: %q vs %q", prose2, prose)
		if diff := cmp.Diff(trailers, trailers2); diff != "" {
			t.Errorf("round-trip trailers changed (-want +got):\n%s", diff)
		}
	})

	t.Run("no trailers", func(t *testing.T) {
		prose, trailers := ParseMessage("just a title\n\nand a body paragraph")
		assert(t, prose == "just a title\n\nand a body paragraph").Errorf("prose = %q", prose)
		assert(t, len(trailers) == 0).Errorf("expected no trailers, got %v", trailers)
	})

	t.Run("conventional-commit title isn't mistaken for a trailer", func(t *testing.T) {
		prose, trailers := ParseMessage("feat: add x")
		assert(t, prose == "feat: add x").Errorf("prose = %q", prose)
		assert(t, len(trailers) == 0).Errorf("expected no trailers, got %v", trailers)
	})

	t.Run("CRLF normalized on parse", func(t *testing.T) {
		msg := "title\r\n\r\nbody\r\n\r\nghstack-source-id: " + "2222222222222222222222222222222222222222" + "\r\n"
		prose, trailers := ParseMessage(msg)
		assert(t, prose == "title\n\nbody").Errorf("prose = %q", prose)
		assert(t, len(trailers) == 1).Fatalf("expected 1 trailer, got %d", len(trailers))
	})
}

func TestEmitOrdering(t *testing.T) {
	user := []KeyVal{{"Differential Revision", "D123"}, {"Signed-off-by", "Bob <bob@example.com>"}}
	gh := GhstackTrailers{
		SourceID:  "3333333333333333333333333333333333333333",
		CommentID: 42,
		PRURL:     "https://github.com/octocat/example/pull/9",
		Direct:    true,
	}
	out := Emit("title\n\nbody", user, gh)
	want := "title\n\nbody\n\n" +
		"Differential Revision: D123\n" +
		"Signed-off-by: Bob <bob@example.com>\n" +
		"ghstack-source-id: 3333333333333333333333333333333333333333\n" +
		"ghstack-comment-id: 42\n" +
		"Pull-Request: https://github.com/octocat/example/pull/9\n"
	assert(t, out == want).Errorf("Emit() =\n%q\nwant\n%q", out, want)
}

func TestSourceIDExcludesGhstackTrailers(t *testing.T) {
	tree := "4b825dc642cb6eb9a060e54bf8d69288fbee4904"
	prose := "title\n\nbody"
	nonGh := []KeyVal{{"Signed-off-by", "Alice <alice@example.com>"}}

	id1 := SourceID(tree, prose, nonGh)
	id2 := SourceID(tree, prose, nonGh)
	assert(t, id1 == id2).Errorf("SourceID() not deterministic: %q vs %q", id1, id2)

	idOtherTree := SourceID("7a825dc642cb6eb9a060e54bf8d69288fbee4905", prose, nonGh)
	assert(t, idOtherTree != id1).Errorf("SourceID() did not change with tree")

	idOtherProse := SourceID(tree, "different body", nonGh)
	assert(t, idOtherProse != id1).Errorf("SourceID() did not change with prose")

	idOtherTitle := SourceID(tree, "retitled\n\nbody", nonGh)
	assert(t, idOtherTitle != id1).Errorf("SourceID() did not change with the subject line")
}

func TestCommitSourceIDCoversTitle(t *testing.T) {
	c := &Commit{Tree: "4b825dc642cb6eb9a060e54bf8d69288fbee4904", Title: "add widget", Prose: "body"}
	before := c.SourceID()
	c.Title = "add widget, renamed"
	assert(t, c.SourceID() != before).Errorf("a title-only amendment must change the source-id")
}

func TestParseAndFormatPRURL(t *testing.T) {
	host, owner, repo, number, ok := ParsePRURL("https://github.com/octocat/example/pull/500")
	assert(t, ok).Fatalf("ParsePRURL() failed to parse a well-formed URL")
	assert(t, host == "github.com").Errorf("host = %q", host)
	assert(t, owner == "octocat").Errorf("owner = %q", owner)
	assert(t, repo == "example").Errorf("repo = %q", repo)
	assert(t, number == 500).Errorf("number = %d", number)

	assert(t, FormatPRURL(host, owner, repo, number) == "https://github.com/octocat/example/pull/500").
		Errorf("FormatPRURL() did not round-trip")

	_, _, _, _, ok = ParsePRURL("not a url")
	assert(t, !ok).Errorf("ParsePRURL() accepted a malformed URL")
}
