package tree

import "github.com/devicetree/overlay/domain"

var _ domain.TreeStoreIface = (*Store)(nil)
