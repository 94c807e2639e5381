// Package diagnosiskeys は診断鍵の配信ツリー（国/日付/時間）を組み立てる。
package diagnosiskeys

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"exposure-distribution-service/internal/domain"
)

// BundlerConfig は鍵の振り分け規則を表す。
type BundlerConfig struct {
	SupportedCountries []string
	OriginCountry      string
	// EUPackageName が空でない場合、全対象国の鍵をまとめた追加パッケージを作る。
	EUPackageName                string
	ApplyPoliciesForAllCountries bool
	// ExpiryPolicy は鍵の有効期限切れから配信可能になるまでの猶予。
	ExpiryPolicy time.Duration
	// ShiftingPolicyThreshold は1時間分として配信する最小鍵数。
	// 満たない時間の鍵は次の時間へ繰り越す。
	ShiftingPolicyThreshold int
	// MaxKeysPerBundle を超える日・時間は配信しない。
	MaxKeysPerBundle int
	// IncludeIncompleteDays が true の場合、配信時刻と同じ日も日単位に集約する。
	IncludeIncompleteDays bool
	// IncludeIncompleteHours が true の場合、配信時刻を含む時間の鍵も配信する。
	IncludeIncompleteHours bool
}

// Bundler は鍵を国・配信時刻ごとに振り分ける。
type Bundler struct {
	cfg              BundlerConfig
	distributionTime time.Time
	distributable    map[string]map[time.Time][]domain.DiagnosisKey
}

// NewBundler は新しいBundlerを生成する。
func NewBundler(cfg BundlerConfig) *Bundler {
	return &Bundler{cfg: cfg, distributable: make(map[string]map[time.Time][]domain.DiagnosisKey)}
}

// SetDiagnosisKeys は鍵を振り分ける。配信時刻は時間単位に切り捨てられ、
// IncludeIncompleteHours が false の場合はその時間以降の鍵は含まれない。
func (b *Bundler) SetDiagnosisKeys(keys []domain.DiagnosisKey, distributionTime time.Time) {
	b.distributionTime = distributionTime.UTC().Truncate(time.Hour)

	grouped := make(map[string][]domain.DiagnosisKey, len(b.cfg.SupportedCountries))
	b.distributable = make(map[string]map[time.Time][]domain.DiagnosisKey, len(b.cfg.SupportedCountries)+1)
	for _, c := range b.cfg.SupportedCountries {
		grouped[c] = nil
		b.distributable[c] = make(map[time.Time][]domain.DiagnosisKey)
	}
	for _, k := range keys {
		b.addKey(k, grouped)
	}

	for country, countryKeys := range grouped {
		if country != b.cfg.OriginCountry && !b.cfg.ApplyPoliciesForAllCountries {
			b.populateWithoutPolicies(country, countryKeys)
		} else {
			b.populateWithPolicies(country, countryKeys)
		}
	}
	if b.cfg.EUPackageName != "" {
		b.populateEUPackage()
	}
}

// DistributionTime は配信時刻（時間単位）を返す。
func (b *Bundler) DistributionTime() time.Time {
	return b.distributionTime
}

// IsIncompleteDay は date が配信時刻と同じ日で、日単位の集約から外すべきかを返す。
func (b *Bundler) IsIncompleteDay(date time.Time) bool {
	return !b.cfg.IncludeIncompleteDays && truncateDay(date).Equal(truncateDay(b.distributionTime))
}

// cutoff はこの時刻より前の時間だけを配信対象にする境界を返す。
func (b *Bundler) cutoff() time.Time {
	if b.cfg.IncludeIncompleteHours {
		return b.distributionTime.Add(time.Hour)
	}
	return b.distributionTime
}

// Countries は配信対象の国（EUパッケージを含む）を返す。
func (b *Bundler) Countries() []string {
	out := slices.Clone(b.cfg.SupportedCountries)
	if b.cfg.EUPackageName != "" {
		out = append(out, b.cfg.EUPackageName)
	}
	return out
}

// Dates は配信可能な鍵を持つ日付を昇順で返す。
func (b *Bundler) Dates(country string) []time.Time {
	hours, ok := b.distributable[country]
	if !ok {
		return nil
	}
	seen := make(map[time.Time]struct{})
	for h := range hours {
		seen[truncateDay(h)] = struct{}{}
	}
	var out []time.Time
	for _, d := range slices.SortedFunc(maps.Keys(seen), compareTime) {
		if b.belowMaximum(len(b.KeysForDate(country, d)), d) {
			out = append(out, d)
		}
	}
	return out
}

// Hours は指定日の配信可能な時間を昇順で返す。
func (b *Bundler) Hours(country string, date time.Time) []time.Time {
	var out []time.Time
	for _, h := range slices.SortedFunc(maps.Keys(b.distributable[country]), compareTime) {
		if !truncateDay(h).Equal(truncateDay(date)) {
			continue
		}
		if b.belowMaximum(len(b.distributable[country][h]), h) {
			out = append(out, h)
		}
	}
	return out
}

// KeysForHour は指定時間に配信する鍵を返す。
func (b *Bundler) KeysForHour(country string, hour time.Time) []domain.DiagnosisKey {
	return b.distributable[country][hour]
}

// KeysForDate は指定日に配信する鍵を返す。
func (b *Bundler) KeysForDate(country string, date time.Time) []domain.DiagnosisKey {
	var out []domain.DiagnosisKey
	for _, h := range slices.SortedFunc(maps.Keys(b.distributable[country]), compareTime) {
		if truncateDay(h).Equal(truncateDay(date)) {
			out = append(out, b.distributable[country][h]...)
		}
	}
	return out
}

// addKey は訪問国ごとに鍵を振り分ける。訪問国のない鍵は自国分として扱う。
func (b *Bundler) addKey(k domain.DiagnosisKey, grouped map[string][]domain.DiagnosisKey) {
	origin := b.cfg.OriginCountry
	if len(k.VisitedCountries) == 0 {
		if _, ok := grouped[origin]; ok {
			grouped[origin] = append(grouped[origin], k)
		}
		return
	}
	for _, visited := range k.VisitedCountries {
		if _, ok := grouped[visited]; !ok {
			continue
		}
		// 自国発の鍵は自国にのみ配信する。
		if k.OriginCountry == origin && visited != origin {
			continue
		}
		// 他国発で自国を訪問済みの鍵は自国分にのみ含める。
		if k.OriginCountry != origin && visited != origin && k.IsVisited(origin) {
			continue
		}
		grouped[visited] = append(grouped[visited], k)
	}
}

func (b *Bundler) populateWithoutPolicies(country string, keys []domain.DiagnosisKey) {
	for _, k := range keys {
		submitted := k.SubmissionTime()
		if submitted.Before(b.cutoff()) {
			b.distributable[country][submitted] = append(b.distributable[country][submitted], k)
		}
	}
}

func (b *Bundler) populateWithPolicies(country string, keys []domain.DiagnosisKey) {
	if len(keys) == 0 {
		return
	}
	byShareTime := make(map[time.Time][]domain.DiagnosisKey)
	earliest := time.Time{}
	for _, k := range keys {
		at := b.earliestSharingTime(k)
		byShareTime[at] = append(byShareTime[at], k)
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}

	var accumulator []domain.DiagnosisKey
	for hour := earliest; hour.Before(b.cutoff()); hour = hour.Add(time.Hour) {
		accumulator = append(accumulator, byShareTime[hour]...)
		if len(accumulator) >= b.cfg.ShiftingPolicyThreshold && len(accumulator) > 0 {
			b.distributable[country][hour] = accumulator
			accumulator = nil
		} else {
			// 空の時間もファイルを生成するためにプレースホルダを置く。
			b.distributable[country][hour] = []domain.DiagnosisKey{}
		}
	}
}

// earliestSharingTime は有効期限ポリシーを考慮した最短の配信可能時刻を返す。
func (b *Bundler) earliestSharingTime(k domain.DiagnosisKey) time.Time {
	submitted := k.SubmissionTime()
	expiry := k.ExpiryTime()
	if submitted.Sub(expiry) <= b.cfg.ExpiryPolicy {
		// Truncate は切り捨てなので1時間加えて補う。
		return expiry.Add(b.cfg.ExpiryPolicy + time.Hour).Truncate(time.Hour)
	}
	return submitted
}

func (b *Bundler) populateEUPackage() {
	eu := make(map[time.Time][]domain.DiagnosisKey)
	seen := make(map[time.Time]map[keyID]struct{})
	for _, country := range b.cfg.SupportedCountries {
		for hour, keys := range b.distributable[country] {
			if _, ok := eu[hour]; !ok {
				eu[hour] = []domain.DiagnosisKey{}
				seen[hour] = make(map[keyID]struct{})
			}
			for _, k := range keys {
				id := keyID{data: string(k.KeyData), rsin: int32(k.RollingStartIntervalNumber)}
				if _, dup := seen[hour][id]; dup {
					continue
				}
				seen[hour][id] = struct{}{}
				eu[hour] = append(eu[hour], k)
			}
		}
	}
	b.distributable[b.cfg.EUPackageName] = eu
}

func (b *Bundler) belowMaximum(n int, at time.Time) bool {
	if b.cfg.MaxKeysPerBundle > 0 && n > b.cfg.MaxKeysPerBundle {
		slog.Error("number of diagnosis keys exceeds the configured maximum",
			"operation", "bundle_diagnosis_keys",
			"keys", n,
			"time", at,
			"maximum", b.cfg.MaxKeysPerBundle,
		)
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func compareTime(a, b time.Time) int {
	return a.Compare(b)
}
