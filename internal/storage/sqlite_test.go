package storage

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id, ts int64) RawRecord {
	return RawRecord{
		ID:        id,
		Timestamp: ts,
		Outcome:   OutcomeSuccess,
		Chance:    72.5,
		Reviver: Reviver{
			ID: 1001, Name: "Medic", FactionID: 77, FactionName: "White Cross", Skill: 42.18,
		},
		Target: Target{
			ID: 2002, Name: "Brawler", FactionID: 88, FactionName: "Iron Fist",
			HospitalReason: "Hospitalized by SomeGuy",
		},
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies the record and payment indexes are created by migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_revive_records_mode_timestamp",
		"idx_revive_records_target_name",
		"idx_payments_paid",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestPutRecordsRoundTrip saves records and reads them back newest first.
func TestPutRecordsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := []RawRecord{testRecord(1, 100), testRecord(2, 200), testRecord(3, 300)}
	if err := s.PutRecords(ModeIndividual, want); err != nil {
		t.Fatalf("PutRecords: %v", err)
	}

	got, err := s.GetAll(ModeIndividual)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].ID != 3 || got[1].ID != 2 || got[2].ID != 1 {
		t.Errorf("order = [%d %d %d], want newest first [3 2 1]", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[2].Target.HospitalReason != "Hospitalized by SomeGuy" {
		t.Errorf("HospitalReason = %q", got[2].Target.HospitalReason)
	}
	if got[2].Reviver.Skill != 42.18 {
		t.Errorf("Reviver.Skill = %v, want 42.18", got[2].Reviver.Skill)
	}
}

// TestPutRecordsUpsert re-merges an overlapping page and verifies ids stay
// unique and the last write wins.
func TestPutRecordsUpsert(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutRecords(ModeGroup, []RawRecord{testRecord(10, 500), testRecord(11, 600)}); err != nil {
		t.Fatalf("PutRecords (first): %v", err)
	}

	updated := testRecord(10, 500)
	updated.Outcome = OutcomeFailure
	updated.Chance = 12
	if err := s.PutRecords(ModeGroup, []RawRecord{updated, testRecord(12, 700)}); err != nil {
		t.Fatalf("PutRecords (overlap): %v", err)
	}

	got, err := s.GetAll(ModeGroup)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3 unique ids", len(got))
	}
	for _, r := range got {
		if r.ID == 10 {
			if r.Outcome != OutcomeFailure || r.Chance != 12 {
				t.Errorf("record 10 not updated: outcome=%q chance=%v", r.Outcome, r.Chance)
			}
		}
	}
}

// TestModesAreIsolated verifies the two logical collections don't bleed into
// each other even though they share a physical table.
func TestModesAreIsolated(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutRecords(ModeIndividual, []RawRecord{testRecord(1, 100)}); err != nil {
		t.Fatalf("PutRecords individual: %v", err)
	}
	if err := s.PutRecords(ModeGroup, []RawRecord{testRecord(1, 900), testRecord(2, 950)}); err != nil {
		t.Fatalf("PutRecords group: %v", err)
	}

	ind, err := s.GetAll(ModeIndividual)
	if err != nil {
		t.Fatalf("GetAll individual: %v", err)
	}
	grp, err := s.GetAll(ModeGroup)
	if err != nil {
		t.Fatalf("GetAll group: %v", err)
	}
	if len(ind) != 1 || len(grp) != 2 {
		t.Errorf("got %d individual and %d group records, want 1 and 2", len(ind), len(grp))
	}

	ts, ok, err := s.OldestTimestamp(ModeIndividual)
	if err != nil {
		t.Fatalf("OldestTimestamp: %v", err)
	}
	if !ok || ts != 100 {
		t.Errorf("individual oldest = (%d, %v), want (100, true)", ts, ok)
	}
}

// TestOldestTimestampEmpty verifies ok=false for a mode with no cache.
func TestOldestTimestampEmpty(t *testing.T) {
	s := openTestStore(t)

	ts, ok, err := s.OldestTimestamp(ModeGroup)
	if err != nil {
		t.Fatalf("OldestTimestamp: %v", err)
	}
	if ok || ts != 0 {
		t.Errorf("got (%d, %v), want (0, false)", ts, ok)
	}
}

// TestSettingRoundTrip sets a key, overwrites it, and gets it back.
func TestSettingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutSetting(SettingActiveMode, "group"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	val, err := s.GetSetting(SettingActiveMode)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if val != "group" {
		t.Errorf("value = %q, want %q", val, "group")
	}

	if err := s.PutSetting(SettingActiveMode, "individual"); err != nil {
		t.Fatalf("PutSetting (overwrite): %v", err)
	}
	val, err = s.GetSetting(SettingActiveMode)
	if err != nil {
		t.Fatalf("GetSetting (overwrite): %v", err)
	}
	if val != "individual" {
		t.Errorf("value = %q, want %q", val, "individual")
	}
}

// TestSettingNotFound verifies missing keys return ErrNotFound.
func TestSettingNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetSetting("does-not-exist")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestExclusionsPersistAcrossReload stores exclusion sets, reopens the
// database, and verifies they survive.
func TestExclusionsPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := Exclusions{Players: []string{"Brawler"}, Factions: []string{"Iron Fist"}}
	if err := s1.PutExclusions(want); err != nil {
		t.Fatalf("PutExclusions: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetExclusions()
	if err != nil {
		t.Fatalf("GetExclusions: %v", err)
	}
	if len(got.Players) != 1 || got.Players[0] != "Brawler" {
		t.Errorf("Players = %v, want [Brawler]", got.Players)
	}
	if len(got.Factions) != 1 || got.Factions[0] != "Iron Fist" {
		t.Errorf("Factions = %v, want [Iron Fist]", got.Factions)
	}
}

// TestExclusionsDefaultEmpty verifies empty sets come back before anything is stored.
func TestExclusionsDefaultEmpty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetExclusions()
	if err != nil {
		t.Fatalf("GetExclusions: %v", err)
	}
	if len(got.Players) != 0 || len(got.Factions) != 0 {
		t.Errorf("expected empty exclusions, got %+v", got)
	}
}

// TestReceiptConfigRoundTrip stores and reads the receipt configuration.
func TestReceiptConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	want := ReceiptConfig{PricePerRevive: 1500000, Note: "pay within 24h"}
	if err := s.PutReceiptConfig(want); err != nil {
		t.Fatalf("PutReceiptConfig: %v", err)
	}
	got, err := s.GetReceiptConfig()
	if err != nil {
		t.Fatalf("GetReceiptConfig: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

// TestPaymentToggle creates a ledger entry, toggles it, and reads the full map.
func TestPaymentToggle(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetPayment(100, 2002); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound before first toggle", err)
	}

	if err := s.PutPayment(100, 2002, true); err != nil {
		t.Fatalf("PutPayment: %v", err)
	}
	paid, err := s.GetPayment(100, 2002)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if !paid {
		t.Error("paid = false, want true")
	}

	if err := s.PutPayment(100, 2002, false); err != nil {
		t.Fatalf("PutPayment (toggle off): %v", err)
	}
	paid, err = s.GetPayment(100, 2002)
	if err != nil {
		t.Fatalf("GetPayment (toggle off): %v", err)
	}
	if paid {
		t.Error("paid = true after toggle off, want false")
	}

	all, err := s.AllPayments()
	if err != nil {
		t.Fatalf("AllPayments: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(all))
	}
	if v, ok := all[PaymentKey(100, 2002)]; !ok || v {
		t.Errorf("ledger[%q] = (%v, %v), want (false, true)", PaymentKey(100, 2002), v, ok)
	}
}

// TestPaymentSurvivesClearRecords verifies the ledger lifecycle is
// independent of record presence: deleting cached records leaves entries alone.
func TestPaymentSurvivesRecordOverwrite(t *testing.T) {
	s := openTestStore(t)

	r := testRecord(1, 100)
	if err := s.PutRecords(ModeIndividual, []RawRecord{r}); err != nil {
		t.Fatalf("PutRecords: %v", err)
	}
	if err := s.PutPayment(r.Timestamp, r.Target.ID, true); err != nil {
		t.Fatalf("PutPayment: %v", err)
	}

	// Overwrite the record; ledger entry must be untouched.
	r.Outcome = OutcomeFailure
	if err := s.PutRecords(ModeIndividual, []RawRecord{r}); err != nil {
		t.Fatalf("PutRecords (overwrite): %v", err)
	}
	paid, err := s.GetPayment(r.Timestamp, r.Target.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if !paid {
		t.Error("payment lost after record overwrite")
	}
}

// TestClearAll wipes every collection in one call.
func TestClearAll(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutRecords(ModeIndividual, []RawRecord{testRecord(1, 100)}); err != nil {
		t.Fatalf("PutRecords: %v", err)
	}
	if err := s.PutSetting(SettingAPIKey, "k"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutPayment(100, 2002, true); err != nil {
		t.Fatalf("PutPayment: %v", err)
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	n, err := s.CountRecords(ModeIndividual)
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if n != 0 {
		t.Errorf("records remaining = %d, want 0", n)
	}
	if _, err := s.GetSetting(SettingAPIKey); err != ErrNotFound {
		t.Errorf("setting error = %v, want ErrNotFound", err)
	}
	all, err := s.AllPayments()
	if err != nil {
		t.Fatalf("AllPayments: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("payments remaining = %d, want 0", len(all))
	}
}

// TestLegacyMigration seeds a pre-versioning single-mode table and verifies
// Open splits it into the mode-scoped collection, skipping malformed rows
// instead of failing.
func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "revtally.db")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("opening raw database: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE revives (
		id INTEGER, timestamp INTEGER, outcome TEXT, chance REAL,
		reviver_id INTEGER, reviver_name TEXT, reviver_faction_id INTEGER,
		reviver_faction_name TEXT, reviver_skill REAL,
		target_id INTEGER, target_name TEXT, target_faction_id INTEGER,
		target_faction_name TEXT, target_reason TEXT
	)`)
	if err != nil {
		t.Fatalf("creating legacy table: %v", err)
	}
	_, err = db.Exec(`INSERT INTO revives VALUES
		(1, 100, 'success', 80, 1001, 'Medic', 0, '', 10, 2002, 'Brawler', 0, '', 'Mugged by X'),
		(2, 200, 'failure', 20, 1001, 'Medic', 0, '', 11, 2003, 'Slugger', 0, '', 'Overdosed on Xanax'),
		(NULL, 300, 'success', 50, 1001, 'Medic', 0, '', 12, 2004, 'Ghost', 0, '', ''),
		(3, NULL, 'success', 50, 1001, 'Medic', 0, '', 12, 2004, 'Ghost', 0, '', '')`)
	if err != nil {
		t.Fatalf("seeding legacy rows: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("closing raw database: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open over legacy database: %v", err)
	}
	defer s.Close()

	got, err := s.GetAll(ModeIndividual)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d migrated records, want 2 (malformed rows skipped)", len(got))
	}

	// Legacy table must be gone.
	var count int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='revives'").Scan(&count); err != nil {
		t.Fatalf("checking legacy table: %v", err)
	}
	if count != 0 {
		t.Error("legacy revives table still present after migration")
	}

	// Reopening must not re-run or fail.
	s.Close()
	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen after legacy migration: %v", err)
	}
	s2.Close()
}
