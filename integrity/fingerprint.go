package integrity

import "github.com/warp/attendance-engine/attendance"

// fieldWeights sum to 100.
var fieldWeights = []struct {
	weight int
	get    func(attendance.Fingerprint) string
}{
	{30, func(f attendance.Fingerprint) string { return f.DeviceID }},
	{15, func(f attendance.Fingerprint) string { return f.Model }},
	{10, func(f attendance.Fingerprint) string { return f.Platform }},
	{10, func(f attendance.Fingerprint) string { return f.OSVersion }},
	{10, func(f attendance.Fingerprint) string { return f.ScreenResolution }},
	{10, func(f attendance.Fingerprint) string { return f.Timezone }},
	{10, func(f attendance.Fingerprint) string { return f.Locale }},
	{5, func(f attendance.Fingerprint) string { return f.AppVersion }},
}

// Similarity scores current against the stored baseline, 0..100. With no
// baseline the score is 0.
func Similarity(current attendance.Fingerprint, stored *attendance.Fingerprint) int {
	if stored == nil {
		return 0
	}
	score := 0
	for _, fw := range fieldWeights {
		if fw.get(current) == fw.get(*stored) {
			score += fw.weight
		}
	}
	return score
}
