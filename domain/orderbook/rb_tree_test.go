package orderbook

import (
	"math/rand"
	"testing"
)

func TestRBTreeInsertFindDelete(t *testing.T) {
	tree := NewRBTree()
	pl1 := tree.UpsertLevel(100)
	if pl1 == nil {
		t.Fatal("UpsertLevel failed")
	}
	if pl2 := tree.FindLevel(100); pl2 != pl1 {
		t.Error("FindLevel did not return same PriceLevel")
	}

	tree.UpsertLevel(200)
	if tree.MinLevel().Price != 100 {
		t.Error("expected min=100")
	}
	if tree.MaxLevel().Price != 200 {
		t.Error("expected max=200")
	}

	if !tree.DeleteLevel(100) {
		t.Error("DeleteLevel failed")
	}
	if tree.FindLevel(100) != nil {
		t.Error("expected level 100 to be gone")
	}
}

func TestDeleteNonExistentLevel(t *testing.T) {
	tree := NewRBTree()
	if tree.DeleteLevel(123) {
		t.Error("expected false when deleting non-existent level")
	}
}

func TestEmptyTreeMinMax(t *testing.T) {
	tree := NewRBTree()
	if tree.MinLevel() != nil || tree.MaxLevel() != nil {
		t.Error("expected nil for min/max on empty tree")
	}
	if tree.Best(true) != nil || tree.Best(false) != nil {
		t.Error("expected nil best on empty tree")
	}
}

func TestUpsertDuplicateLevel(t *testing.T) {
	tree := NewRBTree()
	pl1 := tree.UpsertLevel(150)
	pl2 := tree.UpsertLevel(150)
	if pl1 != pl2 {
		t.Error("Upsert should return the same node for duplicate level")
	}
	if tree.Size() != 1 {
		t.Errorf("size = %d, want 1", tree.Size())
	}
}

func TestWalkStopsEarly(t *testing.T) {
	tree := NewRBTree()
	for _, p := range []int64{30, 10, 20, 50, 40} {
		tree.UpsertLevel(p)
	}

	var got []int64
	tree.Walk(true, func(pl *PriceLevel) bool {
		got = append(got, pl.Price)
		return len(got) < 3
	})
	want := []int64{50, 40, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("descending walk = %v, want %v", got, want)
		}
	}
}

func TestRBTreeRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tree := NewRBTree()
	ref := map[int64]bool{}

	for i := 0; i < 5000; i++ {
		p := int64(rng.Intn(500))
		if rng.Intn(3) == 0 {
			if tree.DeleteLevel(p) != ref[p] {
				t.Fatalf("delete %d disagreed with reference", p)
			}
			delete(ref, p)
		} else {
			tree.UpsertLevel(p)
			ref[p] = true
		}
		if i%250 == 0 {
			checkRB(t, tree)
		}
	}
	checkRB(t, tree)

	if tree.Size() != len(ref) {
		t.Fatalf("size = %d, want %d", tree.Size(), len(ref))
	}
	prev := int64(-1)
	tree.ForEachAscending(func(pl *PriceLevel) bool {
		if pl.Price <= prev || !ref[pl.Price] {
			t.Fatalf("unexpected level %d after %d", pl.Price, prev)
		}
		prev = pl.Price
		return true
	})

	tree.Clear()
	if tree.Size() != 0 || tree.MinLevel() != nil {
		t.Fatal("clear left levels behind")
	}
}

// checkRB verifies the red-black properties: black root, no red node with
// a red child, and equal black height on every path.
func checkRB(t *testing.T, tree *RBTree) {
	t.Helper()
	if tree.root.color != black {
		t.Fatal("root is not black")
	}
	var height func(n *node) int
	height = func(n *node) int {
		if n == tree.nil {
			return 1
		}
		if n.color == red && (n.left.color == red || n.right.color == red) {
			t.Fatalf("red node %d has a red child", n.key)
		}
		if n.left != tree.nil && n.left.key >= n.key {
			t.Fatalf("left child %d >= %d", n.left.key, n.key)
		}
		if n.right != tree.nil && n.right.key <= n.key {
			t.Fatalf("right child %d <= %d", n.right.key, n.key)
		}
		l, r := height(n.left), height(n.right)
		if l != r {
			t.Fatalf("black height mismatch at %d: %d vs %d", n.key, l, r)
		}
		if n.color == black {
			l++
		}
		return l
	}
	height(tree.root)
}
