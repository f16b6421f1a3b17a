package commission

// DefaultRateBPS is the platform share in basis points.
const DefaultRateBPS = 3000

// Split divides totalCents into the platform and provider shares. The
// platform share is rounded half away from zero; the provider keeps the rest.
func Split(totalCents int64, rateBPS int) (adminCents, providerCents int64) {
	if rateBPS < 0 {
		rateBPS = 0
	}
	if rateBPS > 10000 {
		rateBPS = 10000
	}
	scaled := totalCents * int64(rateBPS)
	if scaled >= 0 {
		adminCents = (scaled + 5000) / 10000
	} else {
		adminCents = (scaled - 5000) / 10000
	}
	return adminCents, totalCents - adminCents
}
