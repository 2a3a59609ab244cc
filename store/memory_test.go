package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	identityd "github.com/eduardomb-aw/identityd"
	"github.com/eduardomb-aw/identityd/store"
)

func newStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func saveCode(t *testing.T, m *store.Memory, code string, expiresAt time.Time) {
	t.Helper()
	err := m.SaveCode(context.Background(), &identityd.AuthorizationCode{
		Code:      code,
		ClientID:  "web",
		SubjectID: "user-1",
		Scopes:    []string{"openid", "api1"},
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("SaveCode() error: %v", err)
	}
}

func TestRedeemCode_ExactlyOnce(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveCode(t, m, "code-1", now.Add(5*time.Minute))

	first, err := m.RedeemCode(context.Background(), "code-1", now)
	if err != nil {
		t.Fatalf("first RedeemCode() error: %v", err)
	}
	if first.ClientID != "web" || first.SubjectID != "user-1" {
		t.Errorf("redeemed record = %+v, bound values lost", first)
	}

	_, err = m.RedeemCode(context.Background(), "code-1", now)
	if err != identityd.ErrGrantConsumed {
		t.Errorf("second RedeemCode() error = %v, want ErrGrantConsumed", err)
	}
}

func TestRedeemCode_ConcurrentSingleWinner(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveCode(t, m, "code-race", now.Add(5*time.Minute))

	const attempts = 32
	var (
		wg        sync.WaitGroup
		successes int64
		mu        sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.RedeemCode(context.Background(), "code-race", now); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent redemptions: %d successes, want exactly 1", successes)
	}
}

func TestRedeemCode_Expired(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveCode(t, m, "code-old", now.Add(-1*time.Second))

	_, err := m.RedeemCode(context.Background(), "code-old", now)
	if err != identityd.ErrGrantExpired {
		t.Errorf("RedeemCode() error = %v, want ErrGrantExpired", err)
	}
}

func TestRedeemCode_Unknown(t *testing.T) {
	m := newStore(t)
	_, err := m.RedeemCode(context.Background(), "nope", time.Now())
	if err != identityd.ErrGrantNotFound {
		t.Errorf("RedeemCode() error = %v, want ErrGrantNotFound", err)
	}
}

func TestSaveCode_RejectsCollision(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveCode(t, m, "dup", now.Add(time.Minute))

	err := m.SaveCode(context.Background(), &identityd.AuthorizationCode{Code: "dup", ExpiresAt: now.Add(time.Minute)})
	if err == nil {
		t.Fatal("SaveCode() expected error for duplicate code")
	}
}

func saveRefresh(t *testing.T, m *store.Memory, token string, usage identityd.RefreshTokenUsage, expiresAt time.Time) {
	t.Helper()
	err := m.SaveRefreshToken(context.Background(), &identityd.RefreshToken{
		Token:     token,
		ClientID:  "web",
		SubjectID: "user-1",
		Scopes:    []string{"openid", "offline_access"},
		ExpiresAt: expiresAt,
		Usage:     usage,
	})
	if err != nil {
		t.Fatalf("SaveRefreshToken() error: %v", err)
	}
}

func TestRedeemRefreshToken_OneTimeInvalidatesRecord(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveRefresh(t, m, "rt-1", identityd.RefreshUsageOneTime, now.Add(time.Hour))

	if _, err := m.RedeemRefreshToken(context.Background(), "rt-1", now); err != nil {
		t.Fatalf("first RedeemRefreshToken() error: %v", err)
	}
	if _, err := m.RedeemRefreshToken(context.Background(), "rt-1", now); err != identityd.ErrGrantNotFound {
		t.Errorf("second RedeemRefreshToken() error = %v, want ErrGrantNotFound", err)
	}
}

func TestRedeemRefreshToken_ReuseSurvives(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveRefresh(t, m, "rt-reuse", identityd.RefreshUsageReuse, now.Add(time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := m.RedeemRefreshToken(context.Background(), "rt-reuse", now); err != nil {
			t.Fatalf("RedeemRefreshToken() attempt %d error: %v", i+1, err)
		}
	}
}

func TestRedeemRefreshToken_ConcurrentOneTimeSingleWinner(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveRefresh(t, m, "rt-race", identityd.RefreshUsageOneTime, now.Add(time.Hour))

	const attempts = 32
	var (
		wg        sync.WaitGroup
		successes int64
		mu        sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.RedeemRefreshToken(context.Background(), "rt-race", now); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Errorf("concurrent redemptions: %d successes, want exactly 1", successes)
	}
}

func TestRedeemRefreshToken_Expired(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveRefresh(t, m, "rt-old", identityd.RefreshUsageReuse, now.Add(-time.Second))

	_, err := m.RedeemRefreshToken(context.Background(), "rt-old", now)
	if err != identityd.ErrGrantExpired {
		t.Errorf("RedeemRefreshToken() error = %v, want ErrGrantExpired", err)
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	m := newStore(t)
	now := time.Now()
	saveRefresh(t, m, "rt-gone", identityd.RefreshUsageReuse, now.Add(time.Hour))

	if err := m.RevokeRefreshToken(context.Background(), "rt-gone"); err != nil {
		t.Fatalf("RevokeRefreshToken() error: %v", err)
	}
	if _, err := m.RedeemRefreshToken(context.Background(), "rt-gone", now); err != identityd.ErrGrantNotFound {
		t.Errorf("redeem after revoke error = %v, want ErrGrantNotFound", err)
	}
	if err := m.RevokeRefreshToken(context.Background(), "rt-gone"); err != identityd.ErrGrantNotFound {
		t.Errorf("second revoke error = %v, want ErrGrantNotFound", err)
	}
}

func TestSweepReclaimsExpiredGrants(t *testing.T) {
	m := store.NewMemory(store.WithSweepInterval(10 * time.Millisecond))
	defer m.Close()

	now := time.Now()
	saveCode(t, m, "code-sweep", now.Add(-time.Minute))
	saveRefresh(t, m, "rt-sweep", identityd.RefreshUsageReuse, now.Add(-time.Minute))

	deadline := time.Now().Add(2 * time.Second)
	for {
		codes, refresh := m.Len()
		if codes == 0 && refresh == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not reclaim expired grants: codes=%d refresh=%d", codes, refresh)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
