package buffer

import (
	"fmt"
	"strconv"

	"github.com/arkilian/buffertable/internal/destination"
	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/pkg/types"
)

// engineArgUsage documents the declaration's positional parameters.
const engineArgUsage = "Buffer(destination_database, destination_table, num_shards, " +
	"min_time, max_time, min_rows, max_rows, min_bytes, max_bytes)"

// FromEngineArgs constructs an engine from the nine positional
// declaration arguments, all evaluated as constants. An empty destination
// database and table mean flushed data is dropped.
func FromEngineArgs(ref types.TableRef, schema types.Schema, registry *destination.Registry, allowMaterialized bool, args []string) (*Engine, error) {
	if len(args) != 9 {
		return nil, berrors.NewArgumentCountMismatch(fmt.Sprintf(
			"storage Buffer requires 9 parameters: %s, got %d", engineArgUsage, len(args)))
	}

	destDatabase := args[0]
	destTable := args[1]

	numShards, err := parseUint("num_shards", args[2])
	if err != nil {
		return nil, err
	}
	if numShards == 0 {
		return nil, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
			"num_shards must be positive")
	}

	minTime, err := parseInt("min_time", args[3])
	if err != nil {
		return nil, err
	}
	maxTime, err := parseInt("max_time", args[4])
	if err != nil {
		return nil, err
	}
	minRows, err := parseUint("min_rows", args[5])
	if err != nil {
		return nil, err
	}
	maxRows, err := parseUint("max_rows", args[6])
	if err != nil {
		return nil, err
	}
	minBytes, err := parseUint("min_bytes", args[7])
	if err != nil {
		return nil, err
	}
	maxBytes, err := parseUint("max_bytes", args[8])
	if err != nil {
		return nil, err
	}

	var dest types.TableRef
	if destDatabase != "" || destTable != "" {
		dest = types.TableRef{Database: destDatabase, Table: destTable}
	}

	return New(Config{
		Ref:               ref,
		Schema:            schema,
		Registry:          registry,
		Destination:       dest,
		NumShards:         int(numShards),
		MinThresholds:     Thresholds{TimeSeconds: minTime, Rows: minRows, Bytes: minBytes},
		MaxThresholds:     Thresholds{TimeSeconds: maxTime, Rows: maxRows, Bytes: maxBytes},
		AllowMaterialized: allowMaterialized,
	})
}

func parseUint(name, v string) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
			fmt.Sprintf("%s must be an unsigned integer, got %q", name, v))
	}
	return n, nil
}

func parseInt(name, v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
			fmt.Sprintf("%s must be an integer, got %q", name, v))
	}
	return n, nil
}
