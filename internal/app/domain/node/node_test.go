package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/archetype-labs/archetyped/internal/app/domain/node"
)

func TestNormalizeInterfaceVendorForms(t *testing.T) {
	assert.Equal(t, "eth1", node.NormalizeInterface("Ethernet1"))
	assert.Equal(t, "eth0/1", node.NormalizeInterface("GigabitEthernet0/1"))
	assert.Equal(t, "eth1", node.NormalizeInterface("eth1"))
}

func TestCanonicalLinkNameOrderIndependent(t *testing.T) {
	a := node.Endpoint{NodeName: "r1", Interface: "eth1"}
	b := node.Endpoint{NodeName: "r2", Interface: "Ethernet1"}

	name1 := node.CanonicalLinkName(a, b)
	name2 := node.CanonicalLinkName(b, a)

	assert.Equal(t, name1, name2)
	assert.Equal(t, "r1:eth1-r2:eth1", name1)
}
