// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

// Key layout. Tenant ids are validated upstream and never contain "/".
//
//	n/<id>                                node JSON
//	p/<tenant>/<path>                     id
//	c/<tenant>/<parent>/<id>              children index
//	t/<tenant>/<plan>/<type>/<id>         plan/type index
//	f/<id>                                facet JSON
//	s/<id>                                session JSON
//	sp/<tenant>/<plan>/<created>/<id>     sessions by plan, created is zero-padded nanos
const (
	prefixNode        = "n/"
	prefixPath        = "p/"
	prefixChild       = "c/"
	prefixPlanType    = "t/"
	prefixFacet       = "f/"
	prefixSession     = "s/"
	prefixSessionPlan = "sp/"
)

func nodeKey(id string) []byte {
	return []byte(prefixNode + id)
}

func pathKey(tenant, path string) []byte {
	return []byte(prefixPath + tenant + "/" + path)
}

func pathScan(tenant, prefix string) []byte {
	return []byte(prefixPath + tenant + "/" + prefix)
}

func childKey(tenant, parent, id string) []byte {
	return []byte(prefixChild + tenant + "/" + parent + "/" + id)
}

func childScan(tenant, parent string) []byte {
	return []byte(prefixChild + tenant + "/" + parent + "/")
}

func planTypeKey(tenant, plan string, t model.NodeType, id string) []byte {
	return []byte(prefixPlanType + tenant + "/" + plan + "/" + string(t) + "/" + id)
}

func planTypeScan(tenant, plan string, t model.NodeType) []byte {
	return []byte(prefixPlanType + tenant + "/" + plan + "/" + string(t) + "/")
}

func facetKey(id string) []byte {
	return []byte(prefixFacet + id)
}

func sessionKey(id string) []byte {
	return []byte(prefixSession + id)
}

func sessionPlanKey(tenant, plan string, createdNanos int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d/%s", prefixSessionPlan, tenant, plan, createdNanos, id))
}

func sessionPlanScan(tenant, plan string) []byte {
	return []byte(prefixSessionPlan + tenant + "/" + plan + "/")
}

// lastPart returns the text after the final "/" of an index key.
func lastPart(key []byte) string {
	k := string(key)
	return k[strings.LastIndexByte(k, '/')+1:]
}
