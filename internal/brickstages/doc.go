// Package brickstages defines the stages of a brick reduction and the
// products they write.
//
// The default chain is tims, srcs, fitblobs, coadds, forced and writecat.
// Configuration can drop forced photometry, insert image_coadds ahead of
// source detection, or override any prerequisite. Run-level constants (the
// brick and Params) enter as initial values; collaborators that cannot be
// serialized, such as the worker pool or the checkpoint store, come from Env.
package brickstages
