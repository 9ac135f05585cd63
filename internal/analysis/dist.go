package analysis

import "math"

// normalTwoTailedP returns the two-tailed p-value for a standard normal
// z-score: P(|Z| >= |z|) = erfc(|z| / sqrt(2)).
func normalTwoTailedP(z float64) float64 {
	return math.Erfc(math.Abs(z) / math.Sqrt2)
}

// chiSquareSurvival returns P(X >= x) for a chi-square distribution with k
// degrees of freedom, via the regularized upper incomplete gamma function
// Q(k/2, x/2).
func chiSquareSurvival(x float64, k int) float64 {
	if x <= 0 {
		return 1
	}
	return upperIncompleteGamma(float64(k)/2, x/2)
}

// upperIncompleteGamma computes the regularized upper incomplete gamma
// function Q(a, x). For x < a+1 the complementary series expansion converges
// fastest; otherwise the continued fraction for Q is used directly.
func upperIncompleteGamma(a, x float64) float64 {
	if x < 0 || a <= 0 {
		return math.NaN()
	}
	if x == 0 {
		return 1
	}
	if x < a+1 {
		return 1 - lowerGammaSeries(a, x)
	}
	return upperGammaContinuedFraction(a, x)
}

const (
	gammaMaxIterations = 500
	gammaEpsilon       = 1e-14
)

// lowerGammaSeries computes the regularized lower incomplete gamma P(a, x)
// by its power series.
func lowerGammaSeries(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	term := 1.0 / a
	sum := term
	ap := a
	for i := 0; i < gammaMaxIterations; i++ {
		ap++
		term *= x / ap
		sum += term
		if math.Abs(term) < math.Abs(sum)*gammaEpsilon {
			break
		}
	}
	return sum * math.Exp(-x+a*math.Log(x)-lg)
}

// upperGammaContinuedFraction computes the regularized upper incomplete
// gamma Q(a, x) by its continued fraction (modified Lentz method).
func upperGammaContinuedFraction(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	const tiny = 1e-300
	b := x + 1 - a
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i <= gammaMaxIterations; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = b + an/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		delta := d * c
		h *= delta
		if math.Abs(delta-1) < gammaEpsilon {
			break
		}
	}
	return h * math.Exp(-x+a*math.Log(x)-lg)
}
