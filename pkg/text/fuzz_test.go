package text

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzTokenize(f *testing.F) {
	f.Add("Hello, world!")
	f.Add("The quick brown fox jumps over the lazy dog")
	f.Add("Unicode: 你好世界 🌍😊")
	f.Add("Numbers: 1 2 3 4 5")
	f.Add("")
	f.Add("   ")
	f.Add("a")
	f.Add(strings.Repeat("word ", 1000))

	f.Fuzz(func(t *testing.T, text string) {
		if !utf8.ValidString(text) {
			return
		}

		tokenizer := NewTokenizer(false, false, 2)
		tokens := tokenizer.Tokenize(text)

		for _, token := range tokens {
			if token == "" {
				t.Error("Empty token returned")
			}
		}
	})
}

func FuzzComputeOverlap(f *testing.F) {
	f.Add("The quick brown fox", "The fast brown fox")
	f.Add("", "")
	f.Add("Hello", "World")
	f.Add("a a a", "a a")

	f.Fuzz(func(t *testing.T, text1, text2 string) {
		if !utf8.ValidString(text1) || !utf8.ValidString(text2) {
			return
		}

		tokenizer := NewTokenizer(false, false, 2)
		overlap := tokenizer.ComputeOverlap(text1, text2)

		if overlap < 0.0 || overlap > 1.0 {
			t.Errorf("Overlap out of bounds: %.3f", overlap)
		}
		if reverse := tokenizer.ComputeOverlap(text2, text1); overlap != reverse {
			t.Errorf("Overlap not symmetric: %.3f != %.3f", overlap, reverse)
		}
	})
}
