package query

import "testing"

func TestParseImplicitEquality(t *testing.T) {
	node, err := Parse(map[string]interface{}{"status": "active"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !node.Matches(map[string]interface{}{"status": "active"}) {
		t.Error("expected match on equal status")
	}
	if node.Matches(map[string]interface{}{"status": "inactive"}) {
		t.Error("expected no match on different status")
	}
}

func TestParseOperators(t *testing.T) {
	node, err := Parse(map[string]interface{}{"age": map[string]interface{}{"$gte": 18.0, "$lt": 65.0}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cases := []struct {
		age   float64
		match bool
	}{
		{17, false},
		{18, true},
		{40, true},
		{64, true},
		{65, false},
	}
	for _, c := range cases {
		got := node.Matches(map[string]interface{}{"age": c.age})
		if got != c.match {
			t.Errorf("age %v: got match=%v, want %v", c.age, got, c.match)
		}
	}
}

func TestParseAndOr(t *testing.T) {
	filter := map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"status": "active"},
			map[string]interface{}{"status": "pending"},
		},
	}
	node, err := Parse(filter)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !node.Matches(map[string]interface{}{"status": "pending"}) {
		t.Error("expected $or match on pending")
	}
	if node.Matches(map[string]interface{}{"status": "closed"}) {
		t.Error("expected no $or match on closed")
	}
}

func TestMissingFieldSemantics(t *testing.T) {
	node, err := Parse(map[string]interface{}{"age": map[string]interface{}{"$ne": 10.0}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !node.Matches(map[string]interface{}{}) {
		t.Error("missing field should satisfy $ne")
	}

	node2, err := Parse(map[string]interface{}{"age": map[string]interface{}{"$gt": 10.0}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if node2.Matches(map[string]interface{}{}) {
		t.Error("missing field should never satisfy $gt")
	}
}

func TestExistsOperator(t *testing.T) {
	node, err := Parse(map[string]interface{}{"nickname": map[string]interface{}{"$exists": true}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if node.Matches(map[string]interface{}{}) {
		t.Error("expected no match when field absent and $exists true")
	}
	if !node.Matches(map[string]interface{}{"nickname": "joe"}) {
		t.Error("expected match when field present and $exists true")
	}
}

func TestInNin(t *testing.T) {
	in, err := Parse(map[string]interface{}{"role": map[string]interface{}{"$in": []interface{}{"admin", "owner"}}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !in.Matches(map[string]interface{}{"role": "owner"}) {
		t.Error("expected $in match")
	}
	if in.Matches(map[string]interface{}{"role": "guest"}) {
		t.Error("expected no $in match")
	}

	nin, err := Parse(map[string]interface{}{"role": map[string]interface{}{"$nin": []interface{}{"admin", "owner"}}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !nin.Matches(map[string]interface{}{"role": "guest"}) {
		t.Error("expected $nin match for guest")
	}
}

func TestRegexInvalidPatternFailsCompile(t *testing.T) {
	filter := map[string]interface{}{"name": map[string]interface{}{"$regex": "("}}
	if err := CompileRegex(filter); err == nil {
		t.Error("expected CompileRegex to reject an invalid pattern")
	}
}

func TestRegexNestedInLogical(t *testing.T) {
	filter := map[string]interface{}{
		"$and": []interface{}{
			map[string]interface{}{"name": map[string]interface{}{"$regex": "("}},
		},
	}
	if err := CompileRegex(filter); err == nil {
		t.Error("expected CompileRegex to catch an invalid pattern nested under $and")
	}
}

func TestIsSingleEquality(t *testing.T) {
	field, value, ok := IsSingleEquality(map[string]interface{}{"email": "a@b.com"})
	if !ok || field != "email" || value != "a@b.com" {
		t.Fatalf("expected single equality on email, got field=%s value=%v ok=%v", field, value, ok)
	}

	_, _, ok = IsSingleEquality(map[string]interface{}{"email": "a@b.com", "status": "active"})
	if ok {
		t.Error("expected multi-field filter to not be a single equality")
	}

	_, _, ok = IsSingleEquality(map[string]interface{}{"age": map[string]interface{}{"$gt": 1.0}})
	if ok {
		t.Error("expected operator filter to not be a single equality")
	}

	_, _, ok = IsSingleEquality(map[string]interface{}{"$or": []interface{}{}})
	if ok {
		t.Error("expected $or filter to not be a single equality")
	}
}

func TestCompareValues(t *testing.T) {
	if CompareValues(1.0, 2.0) >= 0 {
		t.Error("expected 1 < 2")
	}
	if CompareValues("b", "a") <= 0 {
		t.Error("expected b > a")
	}
	if CompareValues(5.0, 5.0) != 0 {
		t.Error("expected equal values to compare 0")
	}
}

func TestUnknownOperatorRejected(t *testing.T) {
	_, err := Parse(map[string]interface{}{"age": map[string]interface{}{"$bogus": 1.0}})
	if err == nil {
		t.Error("expected Parse to reject an unknown operator")
	}
}
