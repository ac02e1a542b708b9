// Package all registers every built-in plugin kind.
package all

import (
	_ "github.com/srediag/mycelial/pkg/plugins/httppost"
	_ "github.com/srediag/mycelial/pkg/plugins/loopback"
	_ "github.com/srediag/mycelial/pkg/plugins/shmpipe"
	_ "github.com/srediag/mycelial/pkg/plugins/tasmota"
)
