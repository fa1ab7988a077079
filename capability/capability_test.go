// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capability_test

import (
	"testing"

	"github.com/blinklabs-io/attest/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allLevels = []capability.Level{
	capability.PresenceOnly,
	capability.PresenceWithSocial,
	capability.PresenceWithEphemeralData,
}

var allFeatures = []capability.Feature{
	capability.FeaturePresence,
	capability.FeatureDiscovery,
	capability.FeatureMessaging,
	capability.FeatureStateSync,
	capability.FeatureMedia,
}

func TestFeaturesPerTier(t *testing.T) {
	testDefs := []struct {
		level    capability.Level
		expected []capability.Feature
	}{
		{
			level:    capability.PresenceOnly,
			expected: []capability.Feature{capability.FeaturePresence},
		},
		{
			level: capability.PresenceWithSocial,
			expected: []capability.Feature{
				capability.FeaturePresence,
				capability.FeatureDiscovery,
				capability.FeatureMessaging,
				capability.FeatureStateSync,
			},
		},
		{
			level: capability.PresenceWithEphemeralData,
			expected: []capability.Feature{
				capability.FeaturePresence,
				capability.FeatureDiscovery,
				capability.FeatureMessaging,
				capability.FeatureStateSync,
				capability.FeatureMedia,
			},
		},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.level.String(), func(t *testing.T) {
			assert.Equal(
				t,
				testDef.expected,
				capability.Features(testDef.level).Features(),
			)
		})
	}
}

func TestFeaturesMonotonic(t *testing.T) {
	for i, lower := range allLevels {
		for _, higher := range allLevels[i:] {
			lowerSet := capability.Features(lower)
			higherSet := capability.Features(higher)
			for _, f := range lowerSet.Features() {
				assert.True(
					t,
					higherSet.Has(f),
					"%s feature %s missing from %s",
					lower, f, higher,
				)
			}
			if higher > lower {
				assert.Greater(t, higherSet.Len(), lowerSet.Len())
			}
		}
	}
}

func TestIsAllowedNeverLeaksHigherTier(t *testing.T) {
	for _, f := range allFeatures {
		minimum, ok := capability.MinimumLevel(f)
		require.True(t, ok)
		for _, l := range allLevels {
			assert.Equal(
				t,
				l >= minimum,
				capability.IsAllowed(l, f),
				"level %s feature %s",
				l, f,
			)
		}
	}
	assert.False(
		t,
		capability.IsAllowed(capability.PresenceOnly, capability.FeatureMessaging),
	)
}

func TestUnknownLevelPanics(t *testing.T) {
	assert.False(t, capability.Level(3).Valid())
	assert.Panics(t, func() {
		capability.Features(capability.Level(3))
	})
}

func TestParseLevel(t *testing.T) {
	testDefs := []struct {
		input    string
		expected capability.Level
		wantErr  bool
	}{
		{input: "presenceOnly", expected: capability.PresenceOnly},
		{input: "PRESENCEWITHSOCIAL", expected: capability.PresenceWithSocial},
		{input: "2", expected: capability.PresenceWithEphemeralData},
		{input: "3", wantErr: true},
		{input: "everything", wantErr: true},
	}
	for _, testDef := range testDefs {
		l, err := capability.ParseLevel(testDef.input)
		if testDef.wantErr {
			assert.Error(t, err, testDef.input)
			continue
		}
		require.NoError(t, err, testDef.input)
		assert.Equal(t, testDef.expected, l)
	}
}

func TestLevelTextRoundTrip(t *testing.T) {
	var l capability.Level
	require.NoError(t, l.UnmarshalText([]byte("presenceWithEphemeralData")))
	text, err := l.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "presenceWithEphemeralData", string(text))
	_, err = capability.Level(9).MarshalText()
	assert.Error(t, err)
}
