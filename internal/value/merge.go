package value

// Merge overlays desired onto current. Null or missing desired entries keep
// the current value, maps merge recursively, and every other desired value
// (including lists) replaces the current one.
func Merge(desired, current Value) Value {
	if desired.IsNull() {
		return current
	}
	if desired.kind != KindMap || current.kind != KindMap {
		return desired
	}
	out := make(map[string]Value, len(current.m)+len(desired.m))
	for k, v := range current.m {
		out[k] = v
	}
	for k, dv := range desired.m {
		if dv.IsNull() {
			continue
		}
		if cv, ok := current.m[k]; ok {
			out[k] = Merge(dv, cv)
		} else {
			out[k] = dv
		}
	}
	return Value{kind: KindMap, m: out}
}

// Mask replaces every string found under one of keys with the redaction
// sentinel, at any depth.
func Mask(v Value, keys ...string) Value {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return mask(v, set)
}

func mask(v Value, keys map[string]bool) Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = mask(item, keys)
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			if keys[k] && e.kind == KindString {
				out[k] = String(RedactionSentinel)
				continue
			}
			out[k] = mask(e, keys)
		}
		return Value{kind: KindMap, m: out}
	}
	return v
}

// Prune drops null map entries recursively. Documents decoded from YAML keep
// explicit nulls; the typed model never produces them.
func Prune(v Value) Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = Prune(item)
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			if e.IsNull() {
				continue
			}
			out[k] = Prune(e)
		}
		return Value{kind: KindMap, m: out}
	}
	return v
}
