// Copyright The MassAttach Authors
// SPDX-License-Identifier: Apache-2.0

package massattach

import (
	"testing"

	cebpf "github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProtoSet(t *testing.T) {
	protos, err := NewProtoSet(testProtoSpec())
	require.NoError(t, err)

	for i := 0; i <= maxFuncArgCnt; i++ {
		assert.NotNil(t, protos.fentries[i])
		assert.NotNil(t, protos.fexits[i])
		assert.False(t, protos.autoload[i])
	}
}

func TestNewProtoSetMissingProgram(t *testing.T) {
	spec := testProtoSpec()
	delete(spec.Programs, "fexit7")

	_, err := NewProtoSet(spec)
	require.ErrorContains(t, err, "fexit7")
}

func TestNewProtoSetMissingMaps(t *testing.T) {
	spec := testProtoSpec()
	delete(spec.Maps, ipToIDMapName)
	_, err := NewProtoSet(spec)
	require.ErrorContains(t, err, ipToIDMapName)

	spec = testProtoSpec()
	delete(spec.Maps, readyMapName)
	_, err = NewProtoSet(spec)
	require.ErrorContains(t, err, readyMapName)
}

func TestNewProtoSetBadMapShapes(t *testing.T) {
	spec := testProtoSpec()
	spec.Maps[ipToIDMapName].KeySize = 4
	_, err := NewProtoSet(spec)
	require.ErrorContains(t, err, "u64 addresses")

	spec = testProtoSpec()
	spec.Maps[readyMapName].ValueSize = 8
	_, err = NewProtoSet(spec)
	require.ErrorContains(t, err, "single u32")
}

func TestProtoSetAttachTargets(t *testing.T) {
	protos, err := NewProtoSet(testProtoSpec())
	require.NoError(t, err)

	protos.setAttachTarget(3, "vfs_read")
	assert.True(t, protos.autoload[3])
	assert.Equal(t, "vfs_read", protos.fentries[3].AttachTo)
	assert.Equal(t, "vfs_read", protos.fexits[3].AttachTo)
	assert.Equal(t, cebpf.AttachTraceFEntry, protos.fentries[3].AttachType)
	assert.Equal(t, cebpf.AttachTraceFExit, protos.fexits[3].AttachType)

	protos.disableAutoload(3)
	assert.False(t, protos.autoload[3])

	protos.sizeIPToID(1234)
	assert.Equal(t, uint32(1234), protos.spec.Maps[ipToIDMapName].MaxEntries)
}

func TestCaptureTemplates(t *testing.T) {
	protos, err := NewProtoSet(testProtoSpec())
	require.NoError(t, err)

	att, err := New(protos, nil)
	require.NoError(t, err)

	protos.setAttachTarget(0, "zero_args")
	protos.setAttachTarget(7, "seven_args")
	att.captureTemplates()

	assert.NotNil(t, att.fentryTmpl[0])
	assert.NotNil(t, att.fexitTmpl[7])
	assert.Nil(t, att.fentryTmpl[3])

	// Templates are copies: retargeting a clone must not disturb the slot.
	att.fentryTmpl[0].AttachTo = "something_else"
	assert.Equal(t, "zero_args", protos.fentries[0].AttachTo)
}
