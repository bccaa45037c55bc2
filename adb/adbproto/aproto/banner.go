package aproto

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=239-270;drc=61197364367c9e404c7da6900658f1b16c42d0da
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=342-405;drc=61197364367c9e404c7da6900658f1b16c42d0da

// Connection types sent as the first banner field.
const (
	BannerDevice     = "device"
	BannerHost       = "host"
	BannerBootloader = "bootloader"
	BannerRecovery   = "recovery"
	BannerSideload   = "sideload"
	BannerRescue     = "rescue"
)

// Banner is the payload of an A_CNXN packet:
//
//	<type>:<unused>:<key>=<value>;...;features=<feature>,...
type Banner struct {
	Type     string
	Props    map[string]string
	Features map[string]struct{}
}

// ParseBanner is like [Banner.Decode].
func ParseBanner(s string) *Banner {
	b := new(Banner)
	b.Decode(s)
	return b
}

// Decode parses s into b, replacing its contents. It accepts anything, and
// unknown or malformed fields are ignored like adb does.
func (b *Banner) Decode(s string) {
	*b = Banner{
		Props:    map[string]string{},
		Features: map[string]struct{}{},
	}
	s = strings.TrimRight(s, "\x00")

	typ, rest, _ := strings.Cut(s, ":")
	b.Type = typ

	// the serial is unused
	_, rest, _ = strings.Cut(rest, ":")

	for kv := range strings.SplitSeq(rest, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if k == "features" {
			for f := range strings.SplitSeq(v, ",") {
				if f != "" {
					b.Features[f] = struct{}{}
				}
			}
			continue
		}
		b.Props[k] = v
	}
}

// Encode formats the banner. Known connection props come first, followed by
// any others in sorted order, then the features in sorted order.
func (b *Banner) Encode() string {
	var s strings.Builder
	s.WriteString(b.Type)
	s.WriteString("::")
	for _, k := range ConnectionProps {
		if v, ok := b.Props[k]; ok {
			s.WriteString(k + "=" + v + ";")
		}
	}
	for _, k := range slices.Sorted(maps.Keys(b.Props)) {
		if !slices.Contains(ConnectionProps, k) {
			s.WriteString(k + "=" + b.Props[k] + ";")
		}
	}
	s.WriteString("features=")
	s.WriteString(strings.Join(slices.Sorted(maps.Keys(b.Features)), ","))
	return s.String()
}

// Clone makes a deep copy of b. If b is nil, nil is returned.
func (b *Banner) Clone() *Banner {
	if b == nil {
		return nil
	}
	return &Banner{
		Type:     b.Type,
		Props:    maps.Clone(b.Props),
		Features: maps.Clone(b.Features),
	}
}

// Valid checks whether b can be encoded without being mangled.
func (b *Banner) Valid() error {
	switch b.Type {
	case BannerDevice, BannerHost, BannerBootloader, BannerRecovery, BannerSideload, BannerRescue:
	default:
		return fmt.Errorf("unknown connection type %q", b.Type)
	}
	for k, v := range b.Props {
		if k == "" || k == "features" || strings.ContainsAny(k, ":;=") {
			return fmt.Errorf("invalid prop key %q", k)
		}
		if strings.Contains(v, ";") {
			return fmt.Errorf("invalid value for prop %q", k)
		}
	}
	for f := range b.Features {
		if f == "" || strings.ContainsAny(f, ",;") {
			return fmt.Errorf("invalid feature %q", f)
		}
	}
	return nil
}

// HasFeature checks whether the banner includes feature f.
func (b *Banner) HasFeature(f string) bool {
	if b == nil {
		return false
	}
	_, ok := b.Features[f]
	return ok
}

// Product returns the ro.product.name prop.
func (b *Banner) Product() string {
	return b.prop("ro.product.name")
}

// Model returns the ro.product.model prop.
func (b *Banner) Model() string {
	return b.prop("ro.product.model")
}

// Device returns the ro.product.device prop.
func (b *Banner) Device() string {
	return b.prop("ro.product.device")
}

func (b *Banner) prop(k string) string {
	if b == nil {
		return ""
	}
	return b.Props[k]
}
