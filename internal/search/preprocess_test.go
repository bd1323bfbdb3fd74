package search

import (
	"reflect"
	"testing"
)

func TestPrepareMarkdown(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain paragraphs kept",
			in:   "  alpha one\nalpha two  \n\n   beta   \n",
			want: "alpha one\nalpha two\n\nbeta",
		},
		{
			name: "table rows become facts",
			in:   "| Term | Meaning |\n|:--|--:|\n| ATP | energy currency |\n",
			want: "Term Meaning\n\nATP energy currency",
		},
		{
			name: "headings and list markers stripped",
			in:   "## Glycolysis\n- splits glucose\n2. yields pyruvate\n",
			want: "Glycolysis\n\nsplits glucose\nyields pyruvate",
		},
		{
			name: "line before table is its own paragraph",
			in:   "intro line\n| a | b |\n",
			want: "intro line\n\na b",
		},
		{
			name: "blank input",
			in:   "\n   \n",
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PrepareMarkdown(tc.in); got != tc.want {
				t.Fatalf("PrepareMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitParagraphs(t *testing.T) {
	got := SplitParagraphs("a\n\n  \n b \n\t\nc")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitParagraphs = %#v", got)
	}
}

func TestSentences(t *testing.T) {
	got := Sentences("Cells divide. Why?  Mitosis!\nThen rest")
	want := []string{"Cells divide.", "Why?", "Mitosis!", "Then rest"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sentences = %#v", got)
	}
}
