package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

var base = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func makeTx(id, customer string, at time.Time, amount int64) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		CustomerID: customer,
		Merchant:   "Corner Shop",
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USD",
		Timestamp:  at,
		DeviceID:   "dev-" + customer,
		City:       "Boston",
		Country:    "US",
		MCC:        "5411",
		Status:     "completed",
	}
}

func ruleSet(triggers []domain.RuleTrigger) map[domain.RuleName]bool {
	out := make(map[domain.RuleName]bool, len(triggers))
	for _, tr := range triggers {
		out[tr.Rule] = true
	}
	return out
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}

	engine, err = NewDefaultEngine()
	if err != nil {
		t.Fatalf("failed to create default engine: %v", err)
	}
	if engine.RulesCount() != len(domain.RuleNames()) {
		t.Errorf("expected %d rules, got %d", len(domain.RuleNames()), engine.RulesCount())
	}

	loaded := engine.GetLoadedRules()
	for i, name := range domain.RuleNames() {
		if loaded[i].Name != name {
			t.Errorf("rule %d: expected %s, got %s", i, name, loaded[i].Name)
		}
	}
}

func TestLoadInvalidRules(t *testing.T) {
	engine, _ := NewEngine()

	tests := []struct {
		name string
		cfg  *domain.RuleConfig
	}{
		{"invalid CEL", &domain.RuleConfig{Name: "BAD", Expression: "this is not valid CEL !!!"}},
		{"non-bool output", &domain.RuleConfig{Name: "NUM", Expression: "amount * 2.0"}},
		{"unknown variable", &domain.RuleConfig{Name: "VAR", Expression: "balance > 10.0"}},
		{"negative weight", &domain.RuleConfig{Name: "NEG", Expression: "amount > 1.0", Weight: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.LoadRules([]*domain.RuleConfig{tt.cfg}); err == nil {
				t.Error("expected load error")
			}
		})
	}

	dup := []*domain.RuleConfig{
		{Name: "A", Expression: "amount > 1.0"},
		{Name: "A", Expression: "amount > 2.0"},
	}
	if err := engine.LoadRules(dup); err == nil {
		t.Error("expected duplicate rule error")
	}
	if engine.RulesCount() != 0 {
		t.Errorf("failed load must not replace rules, got %d", engine.RulesCount())
	}
}

func TestStatelessRules(t *testing.T) {
	engine, err := NewDefaultEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(tx *domain.Transaction)
		fired  domain.RuleName
		want   bool
	}{
		{"amount above threshold", func(tx *domain.Transaction) { tx.Amount = decimal.RequireFromString("5000.01") }, domain.RuleHighAmount, true},
		{"amount at threshold", func(tx *domain.Transaction) { tx.Amount = decimal.NewFromInt(5000) }, domain.RuleHighAmount, false},
		{"gambling mcc", func(tx *domain.Transaction) { tx.MCC = "7995" }, domain.RuleSuspiciousMerchant, true},
		{"dating mcc", func(tx *domain.Transaction) { tx.MCC = "7273" }, domain.RuleSuspiciousMerchant, true},
		{"grocery mcc", func(tx *domain.Transaction) { tx.MCC = "5411" }, domain.RuleSuspiciousMerchant, false},
		{"hour 2", func(tx *domain.Transaction) { tx.Timestamp = time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC) }, domain.RuleUnusualTime, true},
		{"hour 5", func(tx *domain.Transaction) { tx.Timestamp = time.Date(2025, 1, 15, 5, 59, 0, 0, time.UTC) }, domain.RuleUnusualTime, true},
		{"hour 1", func(tx *domain.Transaction) { tx.Timestamp = time.Date(2025, 1, 15, 1, 59, 0, 0, time.UTC) }, domain.RuleUnusualTime, false},
		{"hour 6", func(tx *domain.Transaction) { tx.Timestamp = time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC) }, domain.RuleUnusualTime, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := makeTx("tx-1", "cust-1", base, 100)
			tt.mutate(tx)

			got := ruleSet(engine.Evaluate(tx, History{}))[tt.fired]
			if got != tt.want {
				t.Errorf("%s fired = %v, want %v", tt.fired, got, tt.want)
			}
		})
	}
}

func TestUnusualTimeUsesTimestampZone(t *testing.T) {
	engine, _ := NewDefaultEngine()

	// 08:30 UTC is 03:30 in New York.
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}
	tx := makeTx("tx-1", "cust-1", time.Date(2025, 1, 15, 8, 30, 0, 0, time.UTC).In(ny), 100)

	if !ruleSet(engine.Evaluate(tx, History{}))[domain.RuleUnusualTime] {
		t.Error("expected UNUSUAL_TIME in the transaction's own zone")
	}
}

func TestSpecExampleTriggers(t *testing.T) {
	engine, _ := NewDefaultEngine()

	at := time.Date(2025, 1, 15, 3, 30, 0, 0, time.UTC)
	var prior []*domain.Transaction
	for i := 1; i <= 4; i++ {
		prior = append(prior, makeTx("prev-"+string(rune('0'+i)), "cust-1", at.Add(-time.Duration(i*10)*time.Minute), 50))
	}

	tx := makeTx("tx-5", "cust-1", at, 7000)
	tx.MCC = "7995"

	triggers := engine.Evaluate(tx, History{CustomerTxns: prior, DeviceTxns: prior})

	want := []domain.RuleName{
		domain.RuleHighAmount,
		domain.RuleVelocity,
		domain.RuleUnusualTime,
		domain.RuleSuspiciousMerchant,
	}
	if len(triggers) != len(want) {
		t.Fatalf("expected %d triggers, got %d: %+v", len(want), len(triggers), triggers)
	}

	total := 0
	for i, tr := range triggers {
		if tr.Rule != want[i] {
			t.Errorf("trigger %d: expected %s, got %s", i, want[i], tr.Rule)
		}
		if tr.Reason == "" {
			t.Errorf("trigger %s has no reason", tr.Rule)
		}
		total += tr.Weight
	}
	if total != 80 {
		t.Errorf("expected total weight 80, got %d", total)
	}
	if triggers[0].Reason != "Amount $7,000.00 exceeds threshold $5,000.00" {
		t.Errorf("unexpected HIGH_AMOUNT reason: %q", triggers[0].Reason)
	}
}

func TestVelocity(t *testing.T) {
	engine, _ := NewDefaultEngine()

	tests := []struct {
		name    string
		offsets []time.Duration
		want    bool
	}{
		{"four prior within hour", []time.Duration{5, 10, 20, 30}, true},
		{"three prior within hour", []time.Duration{5, 10, 20}, false},
		{"boundary at exactly one hour", []time.Duration{5, 10, 20, 60}, true},
		{"one outside window", []time.Duration{5, 10, 20, 61}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prior []*domain.Transaction
			for i, off := range tt.offsets {
				prior = append(prior, makeTx("p"+string(rune('a'+i)), "cust-1", base.Add(-off*time.Minute), 10))
			}
			tx := makeTx("tx", "cust-1", base, 10)

			got := ruleSet(engine.Evaluate(tx, History{CustomerTxns: prior}))[domain.RuleVelocity]
			if got != tt.want {
				t.Errorf("VELOCITY fired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVelocityIgnoresLaterAndSelf(t *testing.T) {
	engine, _ := NewDefaultEngine()

	tx := makeTx("tx", "cust-1", base, 10)
	prior := []*domain.Transaction{
		tx,
		makeTx("p1", "cust-1", base.Add(-time.Minute), 10),
		makeTx("p2", "cust-1", base.Add(-2*time.Minute), 10),
		makeTx("later-1", "cust-1", base.Add(time.Minute), 10),
		makeTx("later-2", "cust-1", base.Add(2*time.Minute), 10),
	}

	f := ExtractFeatures(tx, History{CustomerTxns: prior})
	if f.VelocityCount != 3 {
		t.Errorf("expected velocity count 3, got %d", f.VelocityCount)
	}
	if ruleSet(engine.Evaluate(tx, History{CustomerTxns: prior}))[domain.RuleVelocity] {
		t.Error("VELOCITY must not count later transactions")
	}
}

func TestGeoJump(t *testing.T) {
	engine, _ := NewDefaultEngine()

	elsewhere := func(id string, at time.Time, city, country string) *domain.Transaction {
		tx := makeTx(id, "cust-1", at, 10)
		tx.City, tx.Country = city, country
		return tx
	}

	tests := []struct {
		name  string
		prior []*domain.Transaction
		want  bool
	}{
		{"no history", nil, false},
		{"new city within window", []*domain.Transaction{
			elsewhere("p1", base.Add(-30*time.Minute), "London", "GB"),
		}, true},
		{"same city within window", []*domain.Transaction{
			elsewhere("p1", base.Add(-30*time.Minute), "Boston", "US"),
		}, false},
		{"current city among several", []*domain.Transaction{
			elsewhere("p1", base.Add(-30*time.Minute), "London", "GB"),
			elsewhere("p2", base.Add(-60*time.Minute), "Boston", "US"),
		}, false},
		{"different city outside window", []*domain.Transaction{
			elsewhere("p1", base.Add(-3*time.Hour), "London", "GB"),
		}, false},
		{"same city name other country", []*domain.Transaction{
			elsewhere("p1", base.Add(-30*time.Minute), "Boston", "GB"),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := makeTx("tx", "cust-1", base, 10)
			got := ruleSet(engine.Evaluate(tx, History{CustomerTxns: tt.prior}))[domain.RuleGeoJump]
			if got != tt.want {
				t.Errorf("GEO_JUMP fired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceSharing(t *testing.T) {
	engine, _ := NewDefaultEngine()

	onDevice := func(id, customer string, at time.Time) *domain.Transaction {
		tx := makeTx(id, customer, at, 10)
		tx.DeviceID = "shared"
		return tx
	}
	own := []*domain.Transaction{onDevice("own", "cust-1", base.Add(-48*time.Hour))}

	tests := []struct {
		name   string
		device []*domain.Transaction
		want   bool
	}{
		{"two other customers", []*domain.Transaction{
			onDevice("a", "cust-2", base.Add(-24*time.Hour)),
			onDevice("b", "cust-3", base.Add(-time.Hour)),
		}, true},
		{"one other customer twice", []*domain.Transaction{
			onDevice("a", "cust-2", base.Add(-24*time.Hour)),
			onDevice("b", "cust-2", base.Add(-time.Hour)),
		}, false},
		{"other customer beyond seven days", []*domain.Transaction{
			onDevice("a", "cust-2", base.Add(-8*24*time.Hour)),
			onDevice("b", "cust-3", base.Add(-time.Hour)),
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := onDevice("tx", "cust-1", base)
			h := History{CustomerTxns: own, DeviceTxns: tt.device}
			got := ruleSet(engine.Evaluate(tx, h))[domain.RuleDeviceSharing]
			if got != tt.want {
				t.Errorf("DEVICE_SHARING fired = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("empty device id", func(t *testing.T) {
		tx := makeTx("tx", "cust-1", base, 10)
		tx.DeviceID = ""
		if f := ExtractFeatures(tx, History{CustomerTxns: own}); f.DeviceCustomerCount != 0 {
			t.Errorf("expected 0 device customers, got %d", f.DeviceCustomerCount)
		}
	})
}

func TestFirstTransactionCannotTriggerHistoryRules(t *testing.T) {
	engine, _ := NewDefaultEngine()

	// Other customers share the device, but cust-1 has never transacted.
	var device []*domain.Transaction
	for i, c := range []string{"cust-2", "cust-3", "cust-4"} {
		d := makeTx("d"+string(rune('0'+i)), c, base.Add(-time.Hour), 10)
		d.DeviceID = "shared"
		device = append(device, d)
	}
	tx := makeTx("tx", "cust-1", base, 10)
	tx.DeviceID = "shared"

	fired := ruleSet(engine.Evaluate(tx, History{DeviceTxns: device}))
	for _, name := range []domain.RuleName{domain.RuleVelocity, domain.RuleGeoJump, domain.RuleDeviceSharing} {
		if fired[name] {
			t.Errorf("%s must not fire on a first transaction", name)
		}
	}
}

func TestEarlierActivityCountsAsHistory(t *testing.T) {
	engine, _ := NewDefaultEngine()

	// cust-1 last transacted eight days ago, outside the snapshot horizon.
	var device []*domain.Transaction
	for i, c := range []string{"cust-2", "cust-3"} {
		d := makeTx("d"+string(rune('0'+i)), c, base.Add(-time.Hour), 10)
		d.DeviceID = "shared"
		device = append(device, d)
	}
	tx := makeTx("tx", "cust-1", base, 10)
	tx.DeviceID = "shared"

	h := History{DeviceTxns: device, EarlierActivity: true}
	f := ExtractFeatures(tx, h)
	if !f.HasHistory {
		t.Error("expected earlier activity to count as history")
	}
	if f.DeviceCustomerCount != 3 {
		t.Errorf("expected 3 device customers, got %d", f.DeviceCustomerCount)
	}
	if !ruleSet(engine.Evaluate(tx, h))[domain.RuleDeviceSharing] {
		t.Error("DEVICE_SHARING should fire for a returning customer")
	}
}

func TestSameTimestampOrderedByID(t *testing.T) {
	var txs []*domain.Transaction
	for i := 1; i <= 5; i++ {
		txs = append(txs, makeTx("tx-"+string(rune('0'+i)), "cust-1", base, 10))
	}

	tests := []struct {
		tx       *domain.Transaction
		velocity int
		history  bool
	}{
		{txs[0], 1, false},
		{txs[2], 3, true},
		{txs[4], 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.tx.ID, func(t *testing.T) {
			// Every transaction in the slice shares the timestamp; only
			// lower IDs precede tt.tx.
			f := ExtractFeatures(tt.tx, History{CustomerTxns: txs})
			if f.VelocityCount != tt.velocity {
				t.Errorf("expected velocity count %d, got %d", tt.velocity, f.VelocityCount)
			}
			if f.HasHistory != tt.history {
				t.Errorf("expected has history %v, got %v", tt.history, f.HasHistory)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine, _ := NewDefaultEngine()

	tx := makeTx("tx", "cust-1", base, 9000)
	prior := []*domain.Transaction{makeTx("p1", "cust-1", base.Add(-time.Minute), 10)}
	prior[0].City = "Paris"

	first := engine.Evaluate(tx, History{CustomerTxns: prior})
	for i := 0; i < 5; i++ {
		again := engine.Evaluate(tx, History{CustomerTxns: prior})
		if len(again) != len(first) {
			t.Fatalf("run %d: trigger count changed", i)
		}
		for j := range first {
			if again[j] != first[j] {
				t.Errorf("run %d: trigger %d changed: %+v vs %+v", i, j, again[j], first[j])
			}
		}
	}
}

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "$0.00"},
		{"7000", "$7,000.00"},
		{"1234567.891", "$1,234,567.89"},
		{"999.5", "$999.50"},
		{"-1500", "-$1,500.00"},
	}
	for _, tt := range tests {
		if got := formatMoney(decimal.RequireFromString(tt.in)); got != tt.want {
			t.Errorf("formatMoney(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestGeoJumpReason(t *testing.T) {
	engine, _ := NewDefaultEngine()

	prior := makeTx("p1", "cust-1", base.Add(-30*time.Minute), 10)
	prior.City, prior.Country = "London", "GB"
	tx := makeTx("tx", "cust-1", base, 10)

	for _, tr := range engine.Evaluate(tx, History{CustomerTxns: []*domain.Transaction{prior}}) {
		if tr.Rule == domain.RuleGeoJump {
			if !strings.Contains(tr.Reason, "London, GB") || !strings.Contains(tr.Reason, "Boston, US") {
				t.Errorf("unexpected reason %q", tr.Reason)
			}
			return
		}
	}
	t.Error("expected GEO_JUMP to fire")
}
