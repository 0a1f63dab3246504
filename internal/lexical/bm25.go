package lexical

import "math"

// Okapi BM25 parameters, the usual defaults.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// bm25Corpus scores documents against tokenized queries. Immutable after
// construction; concurrent reads need no locking.
type bm25Corpus struct {
	termFreq []map[string]int
	docLen   []int
	avgLen   float64
	docFreq  map[string]int
}

func newBM25Corpus(docs [][]string) *bm25Corpus {
	c := &bm25Corpus{
		termFreq: make([]map[string]int, len(docs)),
		docLen:   make([]int, len(docs)),
		docFreq:  make(map[string]int),
	}

	total := 0
	for i, tokens := range docs {
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		c.termFreq[i] = tf
		c.docLen[i] = len(tokens)
		total += len(tokens)
		for t := range tf {
			c.docFreq[t]++
		}
	}
	if len(docs) > 0 {
		c.avgLen = float64(total) / float64(len(docs))
	}
	return c
}

// idf uses the non-negative Lucene variant so common terms can never
// subtract from a document's score.
func (c *bm25Corpus) idf(term string) float64 {
	df := c.docFreq[term]
	if df == 0 {
		return 0
	}
	n := float64(len(c.termFreq))
	return math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
}

// score computes the BM25 score of document i against the query terms.
func (c *bm25Corpus) score(query []string, i int) float64 {
	norm := bm25K1 * (1 - bm25B + bm25B*float64(c.docLen[i])/c.avgLen)
	var s float64
	for _, term := range query {
		tf := float64(c.termFreq[i][term])
		if tf == 0 {
			continue
		}
		s += c.idf(term) * tf * (bm25K1 + 1) / (tf + norm)
	}
	return s
}
