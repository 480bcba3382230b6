package gwbuf

import "testing"

func TestAllocLength(t *testing.T) {
	b := Alloc(10)
	if Length(b) != 10 {
		t.Fatalf("expected length 10, got %d", Length(b))
	}
}

func TestAppendLength(t *testing.T) {
	a := Wrap([]byte("hello"))
	b := Wrap([]byte("world"))
	chain := Append(a, b)
	if Length(chain) != 10 {
		t.Fatalf("expected length 10, got %d", Length(chain))
	}
	if string(Bytes(chain)) != "helloworld" {
		t.Fatalf("unexpected chain bytes: %q", Bytes(chain))
	}
}

func TestConsumePartial(t *testing.T) {
	chain := Wrap([]byte("hello"))
	chain = Consume(chain, 2)
	if Length(chain) != 3 {
		t.Fatalf("expected length 3 after consuming 2, got %d", Length(chain))
	}
	if string(Bytes(chain)) != "llo" {
		t.Fatalf("unexpected remaining bytes: %q", Bytes(chain))
	}
}

func TestConsumeWholeLinkAdvancesHead(t *testing.T) {
	chain := Append(Wrap([]byte("ab")), Wrap([]byte("cd")))
	chain = Consume(chain, 2)
	if Length(chain) != 2 {
		t.Fatalf("expected length 2, got %d", Length(chain))
	}
	if string(Bytes(chain)) != "cd" {
		t.Fatalf("unexpected remaining bytes: %q", Bytes(chain))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := Wrap([]byte("hello"))
	clone := Clone(original)

	clone = Consume(clone, 5)
	if Length(clone) != 0 {
		t.Fatalf("clone should be fully consumed")
	}
	if Length(original) != 5 {
		t.Fatalf("consuming the clone must not affect the original, got length %d", Length(original))
	}
	if string(Bytes(original)) != "hello" {
		t.Fatalf("original data corrupted: %q", Bytes(original))
	}
}

func TestClonePortion(t *testing.T) {
	chain := Append(Wrap([]byte("hello")), Wrap([]byte("world")))
	portion, err := ClonePortion(chain, 3, 4)
	if err != nil {
		t.Fatalf("ClonePortion: %v", err)
	}
	if string(Bytes(portion)) != "lowo" {
		t.Fatalf("unexpected portion: %q", Bytes(portion))
	}
	// original chain must still see all 10 bytes
	if Length(chain) != 10 {
		t.Fatalf("original chain length changed: %d", Length(chain))
	}
}

func TestCloneTransformSetsType(t *testing.T) {
	chain := Wrap([]byte("select 1"))
	SetType(chain, TypePlainSQL)
	mysqlView := CloneTransform(chain, TypeMySQL)
	if mysqlView.Kind != TypeMySQL {
		t.Fatalf("expected TypeMySQL, got %v", mysqlView.Kind)
	}
	if chain.Kind != TypePlainSQL {
		t.Fatalf("CloneTransform must not mutate the source chain's type")
	}
}

func TestFreeThenCloneUnaffected(t *testing.T) {
	original := Wrap([]byte("hello"))
	clone := Clone(original)
	Free(original)
	if string(Bytes(clone)) != "hello" {
		t.Fatalf("freeing one clone corrupted the other: %q", Bytes(clone))
	}
}

func TestClonePortionOutOfRange(t *testing.T) {
	chain := Wrap([]byte("hi"))
	if _, err := ClonePortion(chain, 0, 10); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}
