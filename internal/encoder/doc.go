// Package encoder writes the chunk catalog of a recording: one row per
// completed chunk with its sequence, time span, size and archive location.
//
// # Formats
//
//   - Parquet: columnar, with TIMESTAMP_MICROS time columns, for query engines
//   - Avro: Object Container File with an embedded schema
//
// Use Factory when the format comes from configuration:
//
//	factory := encoder.NewFactory(event.FormatParquet, "zstd")
//	enc, err := factory.CreateEncoder()
//	if err != nil {
//	    return err
//	}
//	stats, err := enc.Encode(path+enc.FileExtension(), repository.Chunks())
//
// # Compression
//
//	Parquet: "snappy" (default), "gzip", "lz4", "zstd", "none"
//	Avro:    "gzip" (whole file), "deflate", "snappy" (OCF blocks), "none"
//
// Encoders hold no per-call state and are safe for concurrent use.
package encoder
