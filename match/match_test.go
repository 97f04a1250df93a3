package match

import (
	"context"
	"errors"
	"math"
	"testing"
)

// fakeEmbedder maps exact texts to scripted vectors.
type fakeEmbedder struct {
	vecs  map[string][]float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := f.vecs[text]
		if !ok {
			v = []float32{0, 1}
		}
		out[i] = v
	}
	return out, nil
}

// atAngle returns a unit vector whose cosine against [1, 0] is c.
func atAngle(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

func approx(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-3 {
		t.Fatalf("score = %.4f, want %.4f", got, want)
	}
}

func TestScoreIdenticalTitles(t *testing.T) {
	f := &fakeEmbedder{vecs: map[string][]float32{
		"Трамвай вернулся на маршрут": {1, 0},
	}}
	m := New(NewKeywords(nil), f, Config{})

	score, err := m.Score(context.Background(), "Трамвай вернулся на маршрут",
		Candidate{Title: "Трамвай вернулся на маршрут"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// Base cosine 1.0 already at the cap; shared stems cannot push higher.
	approx(t, score, 1.0)
}

func TestScoreUnrelatedTitles(t *testing.T) {
	a := "Метро закрыто на ремонт"
	b := "Парад прошёл на набережной"
	f := &fakeEmbedder{vecs: map[string][]float32{a: {1, 0}, b: {0, 1}}}
	m := New(NewKeywords(nil), f, Config{})

	score, err := m.Score(context.Background(), a, Candidate{Title: b})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	approx(t, score, 0)
}

func TestScoreCommonWordBonus(t *testing.T) {
	a := "Врачи открыли детскую поликлинику в Бутово"
	b := "Врачам открывают детские поликлиники Бутово"

	t.Run("high base gets small bonus", func(t *testing.T) {
		f := &fakeEmbedder{vecs: map[string][]float32{a: {1, 0}, b: atAngle(0.75)}}
		m := New(NewKeywords(nil), f, Config{})
		score, err := m.Score(context.Background(), a, Candidate{Title: b})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		// 0.75 base, five shared stems: 0.75 * 1.10.
		approx(t, score, 0.825)
	})

	t.Run("low base gets full bonus", func(t *testing.T) {
		f := &fakeEmbedder{vecs: map[string][]float32{a: {1, 0}, b: atAngle(0.65)}}
		m := New(NewKeywords(nil), f, Config{})
		score, err := m.Score(context.Background(), a, Candidate{Title: b})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		// 0.65 * 1.15: the bonus alone cannot cross the threshold.
		approx(t, score, 0.7475)
	})

	t.Run("capped at one", func(t *testing.T) {
		f := &fakeEmbedder{vecs: map[string][]float32{a: {1, 0}, b: atAngle(0.97)}}
		m := New(NewKeywords(nil), f, Config{})
		score, err := m.Score(context.Background(), a, Candidate{Title: b})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		approx(t, score, 1.0)
	})
}

func TestScoreKeywordPhraseBonus(t *testing.T) {
	k := NewKeywords([]string{"скорая помощь"})
	a := "Скорая помощь приехала быстро"
	b := "Новая скорая помощь в ТиНАО"

	f := &fakeEmbedder{vecs: map[string][]float32{a: {1, 0}, b: atAngle(0.72)}}
	m := New(k, f, Config{})

	ok, score, err := m.Similar(context.Background(), a, Candidate{Title: b})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	// Two shared stems is below the common-word gate, but the topic
	// phrase in both titles still adds 15%: 0.72 * 1.15 = 0.828.
	approx(t, score, 0.828)
	if !ok {
		t.Fatalf("score %.3f over threshold %.2f should be similar", score, m.Threshold())
	}
}

func TestScoreUsesSnippet(t *testing.T) {
	title := "Открыт новый выход из метро"
	cand := Candidate{Title: "Выход из метро", Snippet: "На станции открыли второй вестибюль"}

	f := &fakeEmbedder{vecs: map[string][]float32{
		title:                            {1, 0},
		cand.Title:                       atAngle(0.9),
		cand.Title + ". " + cand.Snippet: atAngle(0.5),
	}}
	m := New(NewKeywords(nil), f, Config{})

	score, err := m.Score(context.Background(), title, cand)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// Average of 0.9 and 0.5, two shared stems so no bonus.
	approx(t, score, 0.7)
}

func TestBestMatch(t *testing.T) {
	title := "Трамвай вернулся на Шаболовку"
	cands := []Candidate{
		{Title: "Погода на выходных"},
		{Title: "Трамваи возвращаются на Шаболовку"},
		{Title: "Выставка в Манеже"},
	}
	f := &fakeEmbedder{vecs: map[string][]float32{
		title:          {1, 0},
		cands[0].Title: atAngle(0.1),
		cands[1].Title: atAngle(0.85),
		cands[2].Title: atAngle(0.3),
	}}
	m := New(NewKeywords(nil), f, Config{})

	idx, score, err := m.BestMatch(context.Background(), title, cands)
	if err != nil {
		t.Fatalf("BestMatch: %v", err)
	}
	if idx != 1 {
		t.Fatalf("best index = %d, want 1", idx)
	}
	if score < m.Threshold() {
		t.Fatalf("score %.3f should clear threshold for near-identical titles", score)
	}
	if f.calls != 1 {
		t.Fatalf("embedder called %d times, want 1 batched call", f.calls)
	}
}

func TestBestMatchEmpty(t *testing.T) {
	m := New(NewKeywords(nil), &fakeEmbedder{}, Config{})
	idx, score, err := m.BestMatch(context.Background(), "Заголовок", nil)
	if err != nil || idx != -1 || score != 0 {
		t.Fatalf("BestMatch(empty) = %d, %v, %v, want -1, 0, nil", idx, score, err)
	}
}

func TestScoreEmbedError(t *testing.T) {
	wantErr := errors.New("runtime unavailable")
	m := New(NewKeywords(nil), &fakeEmbedder{err: wantErr}, Config{})

	if _, err := m.Score(context.Background(), "а", Candidate{Title: "б"}); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if _, _, err := m.BestMatch(context.Background(), "а", []Candidate{{Title: "б"}}); !errors.Is(err, wantErr) {
		t.Fatalf("BestMatch err = %v, want %v", err, wantErr)
	}
}

func TestEvaluateSimilarBeatsKeyword(t *testing.T) {
	title := "Метро продлят до Внуково"
	cands := []Candidate{
		{Title: "Погода на выходных"},
		{Title: "Линию метро продлевают до Внуково"},
	}
	f := &fakeEmbedder{vecs: map[string][]float32{
		title:          {1, 0},
		cands[0].Title: atAngle(0.1),
		cands[1].Title: atAngle(0.85),
	}}
	// "метро" is also a watched topic; similarity must still win so the
	// verdict keeps its link to the original item.
	m := New(NewKeywords([]string{"метро"}), f, Config{})

	got, err := m.Evaluate(context.Background(), title, cands)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Kind != KindSimilar {
		t.Fatalf("Kind = %q, want %q", got.Kind, KindSimilar)
	}
	if got.Index != 1 {
		t.Fatalf("Index = %d, want 1", got.Index)
	}
	if got.Score < m.Threshold() {
		t.Fatalf("Score %.3f below threshold %.2f", got.Score, m.Threshold())
	}
	if got.Keywords != nil {
		t.Fatalf("Keywords = %v, want nil on a similar verdict", got.Keywords)
	}
}

func TestEvaluateKeywordFallback(t *testing.T) {
	title := "Метро продлят до Внуково"
	cands := []Candidate{{Title: "Выставка в Манеже"}}
	f := &fakeEmbedder{vecs: map[string][]float32{
		title:          {1, 0},
		cands[0].Title: atAngle(0.2),
	}}
	m := New(NewKeywords([]string{"метро"}), f, Config{})

	got, err := m.Evaluate(context.Background(), title, cands)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Kind != KindKeyword {
		t.Fatalf("Kind = %q, want %q", got.Kind, KindKeyword)
	}
	if got.Index != -1 {
		t.Fatalf("Index = %d, want -1", got.Index)
	}
	if len(got.Keywords) != 1 || got.Keywords[0] != "метро" {
		t.Fatalf("Keywords = %v, want [метро]", got.Keywords)
	}
}

func TestEvaluateNone(t *testing.T) {
	title := "Фестиваль варенья продлили"
	cands := []Candidate{{Title: "Выставка в Манеже"}}
	f := &fakeEmbedder{vecs: map[string][]float32{
		title:          {1, 0},
		cands[0].Title: atAngle(0.2),
	}}
	m := New(NewKeywords([]string{"метро"}), f, Config{})

	got, err := m.Evaluate(context.Background(), title, cands)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Kind != KindNone {
		t.Fatalf("Kind = %q, want %q", got.Kind, KindNone)
	}
}

func TestEvaluateWithoutEmbedder(t *testing.T) {
	m := New(NewKeywords([]string{"метро"}), nil, Config{})

	got, err := m.Evaluate(context.Background(), "Метро продлят до Внуково",
		[]Candidate{{Title: "Линию метро продлевают"}})
	if err != nil {
		t.Fatalf("Evaluate without embedder: %v", err)
	}
	if got.Kind != KindKeyword {
		t.Fatalf("Kind = %q, want %q (keyword-only degrade)", got.Kind, KindKeyword)
	}

	if _, _, err := m.BestMatch(context.Background(), "а", []Candidate{{Title: "б"}}); !errors.Is(err, ErrNoEmbedder) {
		t.Fatalf("BestMatch err = %v, want ErrNoEmbedder", err)
	}
	if _, err := m.Score(context.Background(), "а", Candidate{Title: "б"}); !errors.Is(err, ErrNoEmbedder) {
		t.Fatalf("Score err = %v, want ErrNoEmbedder", err)
	}
}

func TestEvaluateEmbedError(t *testing.T) {
	wantErr := errors.New("runtime unavailable")
	m := New(NewKeywords([]string{"метро"}), &fakeEmbedder{err: wantErr}, Config{})

	// The title has a keyword hit, but an embedding failure must not be
	// misfiled as one: the caller rescores the item once the runtime is
	// back.
	_, err := m.Evaluate(context.Background(), "Метро продлят", []Candidate{{Title: "б"}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Evaluate err = %v, want %v", err, wantErr)
	}
}
