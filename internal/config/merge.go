package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/wudi/isapigw/config"
)

// MergeNonZero returns a copy of base with every set field of overlay
// applied on top. Pointer fields override when non-nil, so a nested
// directory only changes what it names; strings and numbers override when
// non-zero, slices when non-empty, maps are merged key by key and nested
// structs are recursed. Plain bools override only when true.
//
// Called at config load and for each resolved request path.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	mergeValue(reflect.ValueOf(&result).Elem(), reflect.ValueOf(&overlay).Elem())
	return result
}

func mergeValue(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			if dst.Field(i).CanSet() {
				mergeValue(dst.Field(i), src.Field(i))
			}
		}
	case reflect.Map:
		mergeMap(dst, src)
	case reflect.Pointer, reflect.Interface:
		if !src.IsNil() {
			dst.Set(src)
		}
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

func mergeMap(dst, src reflect.Value) {
	if src.IsNil() || src.Len() == 0 {
		return
	}
	merged := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
	if !dst.IsNil() {
		iter := dst.MapRange()
		for iter.Next() {
			merged.SetMapIndex(iter.Key(), iter.Value())
		}
	}
	iter := src.MapRange()
	for iter.Next() {
		merged.SetMapIndex(iter.Key(), iter.Value())
	}
	dst.Set(merged)
}

// DirectoryFor merges every directory scope that contains path, outermost
// first. The returned Path is that of the innermost match, or empty.
func DirectoryFor(dirs []config.DirectoryConfig, path string) config.DirectoryConfig {
	var matches []config.DirectoryConfig
	for _, d := range dirs {
		if withinDir(path, d.Path) {
			matches = append(matches, d)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].Path) < len(matches[j].Path)
	})

	var merged config.DirectoryConfig
	for _, d := range matches {
		merged = MergeNonZero(merged, d)
	}
	return merged
}

func withinDir(path, dir string) bool {
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, dir) {
		return false
	}
	return len(path) == len(dir) || path[len(dir)] == '/'
}
