// Package schemasassets embeds the JSON schemas for site-maintained input
// files so validation works regardless of the working directory.
package schemasassets

import _ "embed"

// PartitionMetadataSchema validates the partition metadata file
// (slurm.partition_file).
//
//go:embed partition-metadata.schema.json
var PartitionMetadataSchema []byte
