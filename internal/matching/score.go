package matching

import (
	"cmp"
	"slices"

	"github.com/lalith-99/studyhub/internal/models"
)

// Points awarded by the scoring rules.
const (
	pointsBothSameDepartment = 200
	pointsOneSameDepartment  = 100
	pointsBothCategory       = 160
	pointsOneCategory        = 80
	pointsBothAny            = 60
	pointsDepartmentOnly     = 50
	pointsSameGrade          = 20
	pointsAdjacentGrade      = 10
)

// Categories maps a department to the major categories it belongs to. It
// fills in for pools that did not list categories of their own.
type Categories map[string][]string

// Score rates how well two pools fit. The preference rules are tiers:
// the first one that applies gives the base score. The grade bonus is
// added on top of a non-zero base. Zero means the pair is ineligible.
func Score(a, b *models.MatchingPool, cats Categories) int {
	base := preferenceScore(a, b, cats)
	if base == 0 {
		return 0
	}
	switch gradeGap(a.Grade, b.Grade) {
	case 0:
		base += pointsSameGrade
	case 1:
		base += pointsAdjacentGrade
	}
	return base
}

func preferenceScore(a, b *models.MatchingPool, cats Categories) int {
	sameDept := a.Department != "" && a.Department == b.Department
	deptA := a.PreferredMatchType == models.PreferSameDepartment
	deptB := b.PreferredMatchType == models.PreferSameDepartment
	catA := a.PreferredMatchType == models.PreferMajorCategory
	catB := b.PreferredMatchType == models.PreferMajorCategory

	switch {
	case sameDept && deptA && deptB:
		return pointsBothSameDepartment
	case sameDept && deptA != deptB:
		return pointsOneSameDepartment
	}

	if catA || catB {
		if overlap(cats.of(a), cats.of(b)) {
			if catA && catB {
				return pointsBothCategory
			}
			return pointsOneCategory
		}
	}

	if a.PreferredMatchType == models.PreferAny && b.PreferredMatchType == models.PreferAny {
		return pointsBothAny
	}
	if sameDept && !deptA && !deptB {
		return pointsDepartmentOnly
	}
	return 0
}

// of returns the pool's own categories, or its department's.
func (c Categories) of(p *models.MatchingPool) []string {
	if len(p.PreferredCategories) > 0 {
		return p.PreferredCategories
	}
	return c[p.Department]
}

func overlap(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func gradeGap(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// Pair is one accepted match of the greedy selection. A holds the pool
// whose id sorts first.
type Pair struct {
	A     *models.MatchingPool
	B     *models.MatchingPool
	Score int
}

type bucketKey struct {
	count  int
	gender models.Gender
}

// SelectPairs picks disjoint pairs among waiting pools. Pools only meet
// pools of the same size and the opposite gender. Every eligible pair is
// scored once; pairs are then taken best first, skipping any pool already
// used, with ties broken by the pool ids.
func SelectPairs(pools []models.MatchingPool, cats Categories) []Pair {
	buckets := make(map[bucketKey][]*models.MatchingPool)
	for i := range pools {
		p := &pools[i]
		if p.Status != models.PoolWaiting || !p.Gender.Valid() {
			continue
		}
		k := bucketKey{count: p.MemberCount, gender: p.Gender}
		buckets[k] = append(buckets[k], p)
	}

	var candidates []Pair
	for k, males := range buckets {
		if k.gender != models.GenderMale {
			continue
		}
		females := buckets[bucketKey{count: k.count, gender: models.GenderFemale}]
		for _, m := range males {
			for _, f := range females {
				score := Score(m, f, cats)
				if score == 0 {
					continue
				}
				a, b := m, f
				if b.ID.String() < a.ID.String() {
					a, b = b, a
				}
				candidates = append(candidates, Pair{A: a, B: b, Score: score})
			}
		}
	}

	slices.SortFunc(candidates, func(x, y Pair) int {
		if c := cmp.Compare(y.Score, x.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(x.A.ID.String(), y.A.ID.String()); c != 0 {
			return c
		}
		return cmp.Compare(x.B.ID.String(), y.B.ID.String())
	})

	taken := make(map[*models.MatchingPool]bool)
	var accepted []Pair
	for _, c := range candidates {
		if taken[c.A] || taken[c.B] {
			continue
		}
		taken[c.A], taken[c.B] = true, true
		accepted = append(accepted, c)
	}
	return accepted
}
