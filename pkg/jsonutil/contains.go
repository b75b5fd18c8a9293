// Package jsonutil はデコード済みJSON値の比較ユーティリティを提供する。
package jsonutil

import (
	"encoding/json"
	"reflect"
)

// Contains は expected の全てのキーと値が actual に含まれているかを判定する。
// オブジェクトは再帰的に部分集合として比較し、配列とスカラーは完全一致で比較する。
// actual が expected にないキーを持っていても構わない。
func Contains(actual, expected any) bool {
	expectedObj, ok := expected.(map[string]any)
	if !ok {
		return equal(actual, expected)
	}
	actualObj, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, ev := range expectedObj {
		av, exists := actualObj[k]
		if !exists {
			return false
		}
		if !Contains(av, ev) {
			return false
		}
	}
	return true
}

// ContainsJSON はエンコード済みJSONに対して Contains を適用する。
func ContainsJSON(actual, expected []byte) (bool, error) {
	var a, e any
	if err := json.Unmarshal(actual, &a); err != nil {
		return false, err
	}
	if err := json.Unmarshal(expected, &e); err != nil {
		return false, err
	}
	return Contains(a, e), nil
}

func equal(a, b any) bool {
	an, aIsNum := number(a)
	bn, bIsNum := number(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	as, aIsArr := a.([]any)
	bs, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	am, aIsObj := a.(map[string]any)
	bm, bIsObj := b.(map[string]any)
	if aIsObj && bIsObj {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equal(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// number は json.Number と float64 の混在を同じ表現に揃える。
func number(v any) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return n.String(), true
		}
		return json.Number(formatFloat(f)).String(), true
	case float64:
		return formatFloat(n), true
	default:
		return "", false
	}
}

func formatFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
