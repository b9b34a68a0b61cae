package api

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestMemoryTokenStore_SetGetClear(t *testing.T) {
	s := NewMemoryTokenStore()
	if _, ok := s.Get(); ok {
		t.Fatal("new store holds a pair")
	}

	pair := TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresAt: 42}
	s.Set(pair)
	got, ok := s.Get()
	if !ok || got != pair {
		t.Fatalf("Get() = %+v, %v; want %+v, true", got, ok, pair)
	}

	s.Clear()
	if _, ok := s.Get(); ok {
		t.Fatal("pair survives Clear")
	}
}

func TestMemoryTokenStore_CompareAndSwap(t *testing.T) {
	s := NewMemoryTokenStore()
	first := TokenPair{AccessToken: "a1", RefreshToken: "r1"}
	second := TokenPair{AccessToken: "a2", RefreshToken: "r2"}

	if !s.CompareAndSwap(TokenPair{}, first) {
		t.Fatal("CAS from empty with zero old failed")
	}
	if s.CompareAndSwap(TokenPair{}, second) {
		t.Fatal("CAS with zero old succeeded on a held pair")
	}
	if s.CompareAndSwap(second, first) {
		t.Fatal("CAS with mismatched old succeeded")
	}
	if !s.CompareAndSwap(first, second) {
		t.Fatal("CAS with matching old failed")
	}
	got, _ := s.Get()
	if got != second {
		t.Fatalf("Get() = %+v, want %+v", got, second)
	}
}

// Readers never observe a pair mixing fields from two writes.
func TestMemoryTokenStore_NoTornReads(t *testing.T) {
	s := NewMemoryTokenStore()
	s.Set(TokenPair{AccessToken: "a0", RefreshToken: "r0", ExpiresAt: 0})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := range 4 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for n := int64(0); ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				tag := string(rune('a'+id)) + string(rune('0'+n%10))
				s.Set(TokenPair{AccessToken: "a" + tag, RefreshToken: "r" + tag, ExpiresAt: n % 10})
			}
		}(i)
	}

	for range 10000 {
		p, _ := s.Get()
		if p.AccessToken[1:] != p.RefreshToken[1:] {
			close(stop)
			wg.Wait()
			t.Fatalf("torn read: %+v", p)
		}
	}
	close(stop)
	wg.Wait()
}

func TestTokenPair_Expired(t *testing.T) {
	if (TokenPair{AccessToken: "a"}).Expired(1 << 50) {
		t.Fatal("pair without expiry reported expired")
	}
	p := TokenPair{AccessToken: "a", ExpiresAt: 1000}
	if p.Expired(999) {
		t.Fatal("Expired(999) = true")
	}
	if !p.Expired(1000) {
		t.Fatal("Expired(1000) = false")
	}
}

func TestDecodeDocuments(t *testing.T) {
	docs, err := DecodeDocuments([]byte(`{"data":[{"day":"2024-01-01","contributors":{"hrv_balance":61}}],"next_token":null}`))
	if err != nil {
		t.Fatalf("DecodeDocuments: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len = %d, want 1", len(docs))
	}
	if v, ok := docs[0].Number("contributors.hrv_balance"); !ok || v != 61 {
		t.Fatalf("contributors.hrv_balance = %v, %v", v, ok)
	}

	docs, err = DecodeDocuments([]byte(`[{"summary_date":"2024-01-05T00:00:00"}]`))
	if err != nil {
		t.Fatalf("DecodeDocuments(array): %v", err)
	}
	if docs[0].Day() != "2024-01-05" {
		t.Fatalf("Day() = %q, want 2024-01-05", docs[0].Day())
	}

	if _, err := DecodeDocuments([]byte(`{broken`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if _, err := DecodeDocuments(nil); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestDocument_NumberRejectsNonNumeric(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(`{"score":"high","nested":{"x":true}}`), &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Number("score"); ok {
		t.Fatal("string value reported numeric")
	}
	if _, ok := doc.Number("nested.x"); ok {
		t.Fatal("bool value reported numeric")
	}
	if _, ok := doc.Number("missing.path"); ok {
		t.Fatal("missing path reported numeric")
	}
}
