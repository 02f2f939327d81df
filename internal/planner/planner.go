// Package planner partitions a playlist's recordings into dispatch chunks.
package planner

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/tphakala/aedbatch/internal/batch"
	"github.com/tphakala/aedbatch/internal/errors"
)

// Defaults for the sizing rule.
const (
	DefaultFraction       = 0.1
	DefaultHighSampleRate = 200000
)

// ErrNoAccount is returned when a recording URI matches no account prefix.
var ErrNoAccount = errors.NewStd("recording uri matches no account")

// Caps bounds the chunk size of one account.
type Caps struct {
	Normal int // groups whose highest sample rate is below the high-rate boundary
	High   int // groups containing a high sample rate recording
}

// Account describes a storage account and its chunk caps. Recordings are
// assigned to the account with the longest matching URI prefix.
type Account struct {
	ID     int
	Prefix string
	Caps   Caps
}

// Planner groups recordings by account and splits each group into chunks.
type Planner struct {
	accounts       []Account // longest prefix first
	fraction       float64
	highSampleRate int
}

// Option configures a Planner.
type Option func(*Planner)

// WithFraction sets the share of a group placed in one chunk.
func WithFraction(f float64) Option {
	return func(p *Planner) {
		if f > 0 && f <= 1 {
			p.fraction = f
		}
	}
}

// WithHighSampleRate sets the sample rate at which the high cap applies.
func WithHighSampleRate(hz int) Option {
	return func(p *Planner) {
		if hz > 0 {
			p.highSampleRate = hz
		}
	}
}

// New creates a planner for the given accounts.
func New(accounts []Account, opts ...Option) (*Planner, error) {
	if len(accounts) == 0 {
		return nil, errors.Newf("planner needs at least one account").
			Category(errors.CategoryConfiguration).
			Build()
	}
	for _, a := range accounts {
		if a.Caps.Normal < 1 || a.Caps.High < 1 {
			return nil, errors.Newf("account %d has non-positive chunk caps", a.ID).
				Category(errors.CategoryConfiguration).
				Context("account", a.ID).
				Build()
		}
	}

	sorted := slices.Clone(accounts)
	slices.SortStableFunc(sorted, func(a, b Account) int {
		return cmp.Compare(len(b.Prefix), len(a.Prefix))
	})

	p := &Planner{
		accounts:       sorted,
		fraction:       DefaultFraction,
		highSampleRate: DefaultHighSampleRate,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// AccountFor returns the account owning a recording URI.
func (p *Planner) AccountFor(uri string) (Account, bool) {
	for _, a := range p.accounts {
		if strings.HasPrefix(uri, a.Prefix) {
			return a, true
		}
	}
	return Account{}, false
}

// ChunkSize applies the sizing rule: the configured fraction of count,
// rounded, clamped to [1, cap].
func ChunkSize(count int, fraction float64, capacity int) int {
	size := int(math.Round(fraction * float64(count)))
	return max(1, min(size, capacity))
}

// Plan partitions items into chunks. Groups are planned in ascending account
// id order and worker ordinals run from 0 without gaps across all groups.
// Within a group items are ordered by ascending sample rate; ties keep their
// input order.
func (p *Planner) Plan(items []batch.ChunkItem) ([]batch.Chunk, error) {
	groups := make(map[int][]batch.ChunkItem)
	byID := make(map[int]Account)

	for i := range items {
		account, ok := p.AccountFor(items[i].URI)
		if !ok {
			return nil, errors.New(ErrNoAccount).
				Category(errors.CategoryPlanning).
				Context("recording_id", items[i].RecordingID).
				Build()
		}
		groups[account.ID] = append(groups[account.ID], items[i])
		byID[account.ID] = account
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var chunks []batch.Chunk
	for _, id := range ids {
		group := groups[id]
		slices.SortStableFunc(group, func(a, b batch.ChunkItem) int {
			return cmp.Compare(a.SampleRate, b.SampleRate)
		})

		capacity := byID[id].Caps.Normal
		if batch.MaxSampleRate(group) >= p.highSampleRate {
			capacity = byID[id].Caps.High
		}
		size := ChunkSize(len(group), p.fraction, capacity)

		for part := range slices.Chunk(group, size) {
			chunks = append(chunks, batch.Chunk{
				Ordinal: len(chunks),
				Account: id,
				Items:   part,
			})
		}
	}
	return chunks, nil
}

// CountByAccount returns the number of chunks planned for each account.
func CountByAccount(chunks []batch.Chunk) map[int]int {
	counts := make(map[int]int)
	for i := range chunks {
		counts[chunks[i].Account]++
	}
	return counts
}

// MeanSampleRateByAccount returns the mean sample rate of the recordings
// planned for each account.
func MeanSampleRateByAccount(chunks []batch.Chunk) map[int]float64 {
	items := make(map[int][]batch.ChunkItem)
	for i := range chunks {
		items[chunks[i].Account] = append(items[chunks[i].Account], chunks[i].Items...)
	}
	means := make(map[int]float64, len(items))
	for id, group := range items {
		means[id] = batch.MeanSampleRate(group)
	}
	return means
}
